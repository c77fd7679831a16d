package objectstore

import "testing"

func validConfig() Config {
	return Config{
		Endpoint:        "localhost:9000",
		AccessKey:       "conveyor",
		SecretKey:       "conveyorminio",
		Region:          "us-east-1",
		BucketCache:     "pipeline-cache",
		BucketArtifacts: "pipeline-artifacts",
	}
}

func TestConfigValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }},
		{"missing access key", func(c *Config) { c.AccessKey = "" }},
		{"missing secret key", func(c *Config) { c.SecretKey = "" }},
		{"missing region", func(c *Config) { c.Region = "" }},
		{"missing cache bucket", func(c *Config) { c.BucketCache = "" }},
		{"missing artifacts bucket", func(c *Config) { c.BucketArtifacts = "" }},
		{"endpoint with scheme", func(c *Config) { c.Endpoint = "http://localhost:9000" }},
	}
	for _, tc := range cases {
		cfg := validConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CONVEYOR_MINIO_ENDPOINT", "minio.internal:9000")
	t.Setenv("CONVEYOR_MINIO_BUCKET_CACHE", "ci-cache")
	t.Setenv("CONVEYOR_MINIO_USE_SSL", "true")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Endpoint != "minio.internal:9000" {
		t.Fatalf("unexpected endpoint %q", cfg.Endpoint)
	}
	if cfg.BucketCache != "ci-cache" || cfg.BucketArtifacts != "pipeline-artifacts" {
		t.Fatalf("unexpected buckets %q %q", cfg.BucketCache, cfg.BucketArtifacts)
	}
	if !cfg.UseSSL {
		t.Fatalf("expected ssl enabled")
	}
}
