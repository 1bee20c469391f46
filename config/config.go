package config

import "time"

type Config struct {
	Addr         string        // e.g. ":8000"
	StagingDir   string        // request-scoped inputs, safe to purge between runs
	OutputDir    string        // signed packages served by /download
	DatabaseURL  string        // optional audit log; empty disables it
	Preflight    bool          // opt-in: inspect .p12 and profile before invoking the toolchain
	FetchTimeout time.Duration // 0 = no limit
	SignTimeout  time.Duration // 0 = no limit
}

// Default mirrors the directory layout the service has always used.
func Default() Config {
	return Config{
		Addr:       ":8000",
		StagingDir: "./temp",
		OutputDir:  "./signed",
	}
}
