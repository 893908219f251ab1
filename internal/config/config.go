package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

const (
	DefaultArchiverPath = "config.ini"
	DefaultMarkovPath   = "config_lolmarkov.ini"

	DefaultDatabase = "discord_archive.sqlite3"
	DefaultModelDir = "models"
	DefaultHTTPAddr = ":8080"
)

var (
	ErrMissingSection = errors.New("missing config section")
	ErrMissingKey     = errors.New("missing config key")
)

type Config struct {
	// [MAIN]
	Token      string
	Channel    string
	DebugGuild string

	// [STORE]
	DatabaseURL string
	ModelDir    string

	// [API]
	HTTPAddr             string
	JWTSecret            string
	AdminPasswordHash    string
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
}

// Load reads the INI file at path. A missing file behaves like an empty one,
// so the caller gets the same "missing section" error either way.
// Values from the environment (and a local .env) override the store and
// API settings but never the credential.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	f, err := ini.LooseLoad(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	main, err := section(f, "MAIN")
	if err != nil {
		return Config{}, err
	}
	token, err := requireKey(main, "Token")
	if err != nil {
		return Config{}, err
	}

	store := f.Section("STORE")
	api := f.Section("API")

	cfg := Config{
		Token:      token,
		Channel:    strings.TrimSpace(main.Key("Channel").String()),
		DebugGuild: strings.TrimSpace(main.Key("DebugGuild").String()),

		DatabaseURL: getenv("DATABASE_URL", keyOr(store, "Database", DefaultDatabase)),
		ModelDir:    getenv("MODEL_DIR", keyOr(store, "ModelDir", DefaultModelDir)),

		HTTPAddr:             getenv("HTTP_ADDR", keyOr(api, "Addr", DefaultHTTPAddr)),
		JWTSecret:            getenv("JWT_SECRET", keyOr(api, "JWTSecret", "")),
		AdminPasswordHash:    keyOr(api, "AdminPasswordHash", ""),
		CORSAllowCredentials: api.Key("CORSAllowCredentials").MustBool(false),
	}

	for _, o := range strings.Split(keyOr(api, "CORSOrigins", ""), ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	return cfg, nil
}

// LoadWithAPI is Load plus the settings the command API cannot run without.
func LoadWithAPI(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	if cfg.JWTSecret == "" {
		return Config{}, missingKey("API", "JWTSecret")
	}
	return cfg, nil
}

func section(f *ini.File, name string) (*ini.Section, error) {
	s, err := f.GetSection(name)
	if err != nil {
		return nil, fmt.Errorf("%w [%s]", ErrMissingSection, name)
	}
	return s, nil
}

func requireKey(s *ini.Section, key string) (string, error) {
	k, err := s.GetKey(key)
	if err != nil || strings.TrimSpace(k.String()) == "" {
		return "", missingKey(s.Name(), key)
	}
	return strings.TrimSpace(k.String()), nil
}

func missingKey(section, key string) error {
	return fmt.Errorf("%w '%s' under section '[%s]'", ErrMissingKey, key, section)
}

func keyOr(s *ini.Section, key, def string) string {
	if !s.HasKey(key) {
		return def
	}
	v := strings.TrimSpace(s.Key(key).String())
	if v == "" {
		return def
	}
	return v
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}
