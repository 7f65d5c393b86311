// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds process-wide configuration for arena.
//
// Configuration is assembled once at process start (environment plus
// optional .env files) and passed by reference into constructors. Deep
// call paths never read the environment directly, which keeps the
// orchestrator testable in isolation.
package config

import (
	"os"
	"strconv"
)

// QA provider modes.
const (
	QAModeDummy  = "dummy"
	QAModeGemini = "gemini"
)

// Transcript backends.
const (
	TranscriptBackendFile = "file"
	TranscriptBackendSQL  = "sql"
)

// Environment variable names consumed by FromEnv.
const (
	EnvListenAddr         = "ARENA_LISTEN"
	EnvScenarioDir        = "ARENA_SCENARIO_DIR"
	EnvTranscriptBackend  = "ARENA_TRANSCRIPT_BACKEND"
	EnvTranscriptDir      = "ARENA_TRANSCRIPT_DIR"
	EnvTranscriptDriver   = "ARENA_TRANSCRIPT_DRIVER"
	EnvTranscriptDSN      = "ARENA_TRANSCRIPT_DSN"
	EnvQAMode             = "ARENA_QA_MODE"
	EnvQAModel            = "ARENA_QA_MODEL"
	EnvGeminiAPIKey       = "GEMINI_API_KEY"
	EnvDebug              = "ARENA_DEBUG"
	EnvLogLevel           = "LOG_LEVEL"
	EnvLogFile            = "LOG_FILE"
)

// Config is the explicit process configuration object.
type Config struct {
	// ListenAddr is the proxy server bind address, host:port.
	ListenAddr string

	// ScenarioDir is the directory scanned for scenario YAML files.
	ScenarioDir string

	// TranscriptBackend selects the recorder backend ("file" or "sql").
	TranscriptBackend string

	// TranscriptDir is the base directory for the file backend.
	TranscriptDir string

	// TranscriptDriver and TranscriptDSN configure the SQL backend
	// (sqlite, mysql or postgres).
	TranscriptDriver string
	TranscriptDSN    string

	// QAMode selects the question-answering provider. QAModel and
	// GeminiAPIKey apply to the model-backed provider only.
	QAMode       string
	QAModel      string
	GeminiAPIKey string

	// Debug enables verbose request/response logging.
	Debug bool

	// LogLevel and LogFile feed the logger package.
	LogLevel string
	LogFile  string
}

// FromEnv builds a Config from the process environment, applying defaults.
// Call LoadDotEnv first if .env files should participate.
func FromEnv() *Config {
	cfg := &Config{
		ListenAddr:        getenv(EnvListenAddr, "127.0.0.1:9019"),
		ScenarioDir:       getenv(EnvScenarioDir, "scenarios"),
		TranscriptBackend: getenv(EnvTranscriptBackend, TranscriptBackendFile),
		TranscriptDir:     getenv(EnvTranscriptDir, "logs/transcripts"),
		TranscriptDriver:  getenv(EnvTranscriptDriver, "sqlite"),
		TranscriptDSN:     getenv(EnvTranscriptDSN, ".arena/arena.db"),
		QAMode:            getenv(EnvQAMode, QAModeDummy),
		QAModel:           getenv(EnvQAModel, "gemini-2.0-flash"),
		GeminiAPIKey:      os.Getenv(EnvGeminiAPIKey),
		LogLevel:          getenv(EnvLogLevel, "info"),
		LogFile:           os.Getenv(EnvLogFile),
	}

	if v, err := strconv.ParseBool(os.Getenv(EnvDebug)); err == nil {
		cfg.Debug = v
	}

	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
