// SPDX-License-Identifier: Apache-2.0
// Package config loads Atrium runtime configuration from defaults,
// an optional YAML file, and ATRIUM_-prefixed environment variables.
package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Server    ServerConfig    `koanf:"server"`
	Agent     AgentConfig     `koanf:"agent"`
	Skills    SkillsConfig    `koanf:"skills"`
	Sandbox   SandboxConfig   `koanf:"sandbox"`
	LLM       LLMConfig       `koanf:"llm"`
	Memory    MemoryConfig    `koanf:"memory"`
	Store     StoreConfig     `koanf:"store"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter string `koanf:"exporter"` // stdout, none
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type AgentConfig struct {
	MaxIterations         int     `koanf:"max_iterations"`
	DefaultTemperature    float64 `koanf:"default_temperature"`
	DefaultMaxTokens      int     `koanf:"default_max_tokens"`
	RequestTimeoutSeconds int     `koanf:"request_timeout_seconds"`
	SkillTimeoutSeconds   int     `koanf:"skill_timeout_seconds"`
}

type SkillsConfig struct {
	Directory            string `koanf:"directory"`
	WatchIntervalSeconds int    `koanf:"watch_interval_seconds"` // 0 disables the watcher
}

type SandboxConfig struct {
	Host                  string `koanf:"host"`
	Port                  int    `koanf:"port"`
	DefaultTimeoutSeconds int    `koanf:"default_timeout_seconds"`
}

type LLMConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`
}

type MemoryConfig struct {
	TopK              int     `koanf:"top_k"`
	ScoreFloor        float64 `koanf:"score_floor"`
	UserTurnThreshold int     `koanf:"user_turn_threshold"`
	RerankURL         string  `koanf:"rerank_url"`
}

type StoreConfig struct {
	Path string `koanf:"path"`
}

// Load reads configuration from an optional YAML file at path, then
// overlays ATRIUM_ environment variables (ATRIUM_AGENT_MAX_ITERATIONS
// maps to agent.max_iterations).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("telemetry.exporter", "none")
	k.Set("server.addr", ":8020")

	k.Set("agent.max_iterations", 10)
	k.Set("agent.default_temperature", 0.7)
	k.Set("agent.default_max_tokens", 4096)
	k.Set("agent.request_timeout_seconds", 300)
	k.Set("agent.skill_timeout_seconds", 60)

	k.Set("skills.directory", "./skills")
	k.Set("skills.watch_interval_seconds", 0)

	k.Set("sandbox.host", "127.0.0.1")
	k.Set("sandbox.port", 8009)
	k.Set("sandbox.default_timeout_seconds", 60)

	k.Set("llm.base_url", "http://localhost:11434/v1")
	k.Set("llm.model", "qwen2.5:7b-instruct")

	k.Set("memory.top_k", 20)
	k.Set("memory.score_floor", 0.3)
	k.Set("memory.user_turn_threshold", 4)

	k.Set("store.path", "atrium.db")

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from bare ENV for the recognized option families
	// (AGENT_MAX_ITERATIONS -> agent.max_iterations).
	if err := k.Load(env.Provider("", ".", mapEnvKey), nil); err != nil {
		return nil, err
	}

	// 3. Load from prefixed ENV (ATRIUM_LLM_BASE_URL -> llm.base_url)
	if err := k.Load(env.Provider("ATRIUM_", ".", func(s string) string {
		return splitEnvKey(strings.TrimPrefix(s, "ATRIUM_"))
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// envFamilies are the unprefixed variable families recognized per the
// runtime's documented option surface.
var envFamilies = []string{
	"AGENT_", "SKILLS_", "SANDBOX_", "LLM_", "MEMORY_",
	"STORE_", "SERVER_", "LOG_", "TELEMETRY_",
}

func mapEnvKey(s string) string {
	for _, prefix := range envFamilies {
		if strings.HasPrefix(s, prefix) {
			return splitEnvKey(s)
		}
	}
	return "" // ignored by the env provider
}

// splitEnvKey turns SECTION_SOME_OPTION into section.some_option.
func splitEnvKey(s string) string {
	return strings.Replace(strings.ToLower(s), "_", ".", 1)
}
