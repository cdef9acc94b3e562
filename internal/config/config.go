// Package config loads nimble-server-lib's runtime tunables from
// environment variables, following the teacher's accumulated-errors
// Load() shape: every override is validated independently and all
// problems are reported together rather than failing on the first one.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultUDPAddr is the default address the game transport listens on.
	DefaultUDPAddr = ":9000"
	// DefaultOpsAddr is the default address the ops HTTP API listens on.
	DefaultOpsAddr = ":9001"

	// DefaultTickRateHz is the fixed-step simulation rate driving Server.Update.
	DefaultTickRateHz = 60

	// DefaultMaxConnectionCount bounds concurrent TransportConnections (spec.md §5).
	DefaultMaxConnectionCount = 64
	// DefaultMaxParticipantCount bounds the global Participant registry.
	DefaultMaxParticipantCount = 64
	// DefaultWindowSize is NBS_WINDOW_SIZE, the step ring capacity.
	DefaultWindowSize = 64
	// DefaultMaxSingleParticipantStepOctetCount caps one participant's step payload.
	DefaultMaxSingleParticipantStepOctetCount = 24
	// DefaultForcedStepDisconnectThreshold is the forced-step-in-row disconnect cutoff.
	DefaultForcedStepDisconnectThreshold = 60
	// DefaultApplicationVersion is compared against DownloadGameStateRequest.
	DefaultApplicationVersion = 1

	// DefaultSessionTTL bounds how long a JoinGame session nonce remains valid.
	DefaultSessionTTL = 24 * time.Hour

	// DefaultJournalDir is where the step journal's rotated artefacts are written.
	DefaultJournalDir = "nimble-journal"
	// DefaultJournalMaxMatches bounds retained step-journal artefacts by count.
	DefaultJournalMaxMatches = 50
	// DefaultJournalMaxAge bounds retained step-journal artefacts by age.
	DefaultJournalMaxAge = 7 * 24 * time.Hour

	// DefaultAdminDumpWindow bounds how frequently /admin/journal/dump may be requested.
	DefaultAdminDumpWindow = time.Minute
	// DefaultAdminDumpBurst sets how many dump requests may be made per window.
	DefaultAdminDumpBurst = 1

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "nimble-server.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the nimble-server-lib service.
type Config struct {
	UDPAddr string
	OpsAddr string

	TickRateHz int

	MaxConnectionCount                 int
	MaxParticipantCount                int
	WindowSize                         int
	MaxSingleParticipantStepOctetCount int
	ForcedStepDisconnectThreshold      int
	ApplicationVersion                 uint32

	SessionSecret string
	SessionTTL    time.Duration

	AdminToken       string
	AdminDumpWindow  time.Duration
	AdminDumpBurst   int

	JournalDir        string
	JournalMaxMatches int
	JournalMaxAge     time.Duration

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the service configuration from environment variables,
// applying sane defaults and returning descriptive errors for invalid
// overrides.
func Load() (*Config, error) {
	cfg := &Config{
		UDPAddr:                            getString("NIMBLE_UDP_ADDR", DefaultUDPAddr),
		OpsAddr:                            getString("NIMBLE_OPS_ADDR", DefaultOpsAddr),
		TickRateHz:                         DefaultTickRateHz,
		MaxConnectionCount:                 DefaultMaxConnectionCount,
		MaxParticipantCount:                DefaultMaxParticipantCount,
		WindowSize:                         DefaultWindowSize,
		MaxSingleParticipantStepOctetCount: DefaultMaxSingleParticipantStepOctetCount,
		ForcedStepDisconnectThreshold:      DefaultForcedStepDisconnectThreshold,
		ApplicationVersion:                 DefaultApplicationVersion,
		SessionSecret:                      strings.TrimSpace(os.Getenv("NIMBLE_SESSION_SECRET")),
		SessionTTL:                         DefaultSessionTTL,
		AdminToken:                         strings.TrimSpace(os.Getenv("NIMBLE_ADMIN_TOKEN")),
		AdminDumpWindow:                    DefaultAdminDumpWindow,
		AdminDumpBurst:                     DefaultAdminDumpBurst,
		JournalDir:                         getString("NIMBLE_JOURNAL_DIR", DefaultJournalDir),
		JournalMaxMatches:                  DefaultJournalMaxMatches,
		JournalMaxAge:                      DefaultJournalMaxAge,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("NIMBLE_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("NIMBLE_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("NIMBLE_TICK_RATE_HZ")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NIMBLE_TICK_RATE_HZ must be a positive integer, got %q", raw))
		} else {
			cfg.TickRateHz = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NIMBLE_MAX_CONNECTION_COUNT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 || value > 64 {
			problems = append(problems, fmt.Sprintf("NIMBLE_MAX_CONNECTION_COUNT must be in [1,64], got %q", raw))
		} else {
			cfg.MaxConnectionCount = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NIMBLE_MAX_PARTICIPANT_COUNT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 || value > 255 {
			problems = append(problems, fmt.Sprintf("NIMBLE_MAX_PARTICIPANT_COUNT must be in [1,255], got %q", raw))
		} else {
			cfg.MaxParticipantCount = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NIMBLE_WINDOW_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NIMBLE_WINDOW_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.WindowSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NIMBLE_MAX_STEP_OCTET_COUNT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 || value > 24 {
			problems = append(problems, fmt.Sprintf("NIMBLE_MAX_STEP_OCTET_COUNT must be in [1,24], got %q", raw))
		} else {
			cfg.MaxSingleParticipantStepOctetCount = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NIMBLE_FORCED_STEP_DISCONNECT_THRESHOLD")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NIMBLE_FORCED_STEP_DISCONNECT_THRESHOLD must be a positive integer, got %q", raw))
		} else {
			cfg.ForcedStepDisconnectThreshold = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NIMBLE_APPLICATION_VERSION")); raw != "" {
		value, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			problems = append(problems, fmt.Sprintf("NIMBLE_APPLICATION_VERSION must be a non-negative integer, got %q", raw))
		} else {
			cfg.ApplicationVersion = uint32(value)
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NIMBLE_SESSION_TTL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("NIMBLE_SESSION_TTL must be a positive duration, got %q", raw))
		} else {
			cfg.SessionTTL = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NIMBLE_ADMIN_DUMP_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("NIMBLE_ADMIN_DUMP_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.AdminDumpWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NIMBLE_ADMIN_DUMP_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NIMBLE_ADMIN_DUMP_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.AdminDumpBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NIMBLE_JOURNAL_MAX_MATCHES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("NIMBLE_JOURNAL_MAX_MATCHES must be a non-negative integer, got %q", raw))
		} else {
			cfg.JournalMaxMatches = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NIMBLE_JOURNAL_MAX_AGE")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("NIMBLE_JOURNAL_MAX_AGE must be a non-negative duration, got %q", raw))
		} else {
			cfg.JournalMaxAge = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NIMBLE_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("NIMBLE_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NIMBLE_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("NIMBLE_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NIMBLE_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("NIMBLE_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NIMBLE_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("NIMBLE_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.SessionSecret == "" {
		problems = append(problems, "NIMBLE_SESSION_SECRET must not be empty")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
