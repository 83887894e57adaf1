package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Buckets   BucketsConfig   `yaml:"buckets"`
	Reference ReferenceConfig `yaml:"reference"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Worker    WorkerConfig    `yaml:"worker"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
}

type StorageConfig struct {
	Backend   string `yaml:"backend"` // local, s3 or minio
	LocalRoot string `yaml:"local_root"`
	Endpoint  string `yaml:"endpoint"` // custom S3 endpoint or MinIO host:port
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// BucketsConfig names the containers each stage reads from and writes to.
type BucketsConfig struct {
	Videos string `yaml:"videos"`
	Frames string `yaml:"frames"`
	Output string `yaml:"output"`
	Model  string `yaml:"model"`
}

type ReferenceConfig struct {
	Source         string  `yaml:"source"` // snapshot or postgres
	Key            string  `yaml:"key"`    // snapshot key inside the model bucket
	Index          string  `yaml:"index"`  // linear or hnsw
	HNSWCandidates int     `yaml:"hnsw_candidates"`
	MaxDistance    float64 `yaml:"max_distance"` // 0 disables the cutoff
}

type ExtractorConfig struct {
	Binary string `yaml:"binary"`
	Mode   string `yaml:"mode"` // single or multi
	Rate   string `yaml:"rate"`
	Count  int    `yaml:"count"`
	Ext    string `yaml:"ext"`
}

type WorkerConfig struct {
	Python        string    `yaml:"python"`
	Script        string    `yaml:"script"`
	ImageSize     int       `yaml:"image_size"`
	Margin        int       `yaml:"margin"`
	MinFaceSize   int       `yaml:"min_face_size"`
	Thresholds    []float64 `yaml:"thresholds"`
	Pretrained    string    `yaml:"pretrained"`
	MinConfidence float64   `yaml:"min_confidence"`
}

type PipelineConfig struct {
	Trigger     string  `yaml:"trigger"`      // direct or storage
	ResolverURL string  `yaml:"resolver_url"` // empty invokes the resolver in-process
	InvokeRate  float64 `yaml:"invoke_rate"`  // downstream invocations per second, 0 = unlimited
	Concurrency int     `yaml:"concurrency"`
	ScratchRoot string  `yaml:"scratch_root"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // optional; enables the postgres reference source and the result ledger
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultVal
}

// envFloats parses a comma separated list such as "0.5,0.6,0.6".
func envFloats(key string, defaultVal []float64) []float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return defaultVal
		}
		out = append(out, f)
	}
	return out
}

// databaseURL prefers DATABASE_URL and falls back to the POSTGRES_* variables.
func databaseURL() string {
	if u := os.Getenv("DATABASE_URL"); u != "" {
		return u
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := envString("POSTGRES_PORT", "5432")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

// Load returns the embedded defaults overridden by environment variables.
func Load() *Config {
	var d Config
	if err := yaml.Unmarshal(defaultsYAML, &d); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	return &Config{
		Storage: StorageConfig{
			Backend:   envString("STORAGE_BACKEND", d.Storage.Backend),
			LocalRoot: envString("STORAGE_LOCAL_ROOT", d.Storage.LocalRoot),
			Endpoint:  envString("STORAGE_ENDPOINT", d.Storage.Endpoint),
			Region:    envString("AWS_REGION", d.Storage.Region),
			AccessKey: envString("STORAGE_ACCESS_KEY", d.Storage.AccessKey),
			SecretKey: envString("STORAGE_SECRET_KEY", d.Storage.SecretKey),
			UseSSL:    envBool("STORAGE_USE_SSL", d.Storage.UseSSL),
		},
		Buckets: BucketsConfig{
			Videos: envString("BUCKET_VIDEOS", d.Buckets.Videos),
			Frames: envString("BUCKET_FRAMES", d.Buckets.Frames),
			Output: envString("BUCKET_OUTPUT", d.Buckets.Output),
			Model:  envString("BUCKET_MODEL", d.Buckets.Model),
		},
		Reference: ReferenceConfig{
			Source:         envString("REFERENCE_SOURCE", d.Reference.Source),
			Key:            envString("REFERENCE_KEY", d.Reference.Key),
			Index:          envString("REFERENCE_INDEX", d.Reference.Index),
			HNSWCandidates: envInt("REFERENCE_HNSW_CANDIDATES", d.Reference.HNSWCandidates),
			MaxDistance:    envFloat("REFERENCE_MAX_DISTANCE", d.Reference.MaxDistance),
		},
		Extractor: ExtractorConfig{
			Binary: envString("FFMPEG_BINARY", d.Extractor.Binary),
			Mode:   envString("EXTRACT_MODE", d.Extractor.Mode),
			Rate:   envString("EXTRACT_RATE", d.Extractor.Rate),
			Count:  envInt("EXTRACT_COUNT", d.Extractor.Count),
			Ext:    envString("FRAME_EXT", d.Extractor.Ext),
		},
		Worker: WorkerConfig{
			Python:        envString("WORKER_PYTHON", d.Worker.Python),
			Script:        envString("WORKER_SCRIPT", d.Worker.Script),
			ImageSize:     envInt("WORKER_IMAGE_SIZE", d.Worker.ImageSize),
			Margin:        envInt("WORKER_MARGIN", d.Worker.Margin),
			MinFaceSize:   envInt("WORKER_MIN_FACE_SIZE", d.Worker.MinFaceSize),
			Thresholds:    envFloats("WORKER_THRESHOLDS", d.Worker.Thresholds),
			Pretrained:    envString("WORKER_PRETRAINED", d.Worker.Pretrained),
			MinConfidence: envFloat("WORKER_MIN_CONFIDENCE", d.Worker.MinConfidence),
		},
		Pipeline: PipelineConfig{
			Trigger:     envString("PIPELINE_TRIGGER", d.Pipeline.Trigger),
			ResolverURL: envString("RESOLVER_URL", d.Pipeline.ResolverURL),
			InvokeRate:  envFloat("INVOKE_RATE", d.Pipeline.InvokeRate),
			Concurrency: envInt("PIPELINE_CONCURRENCY", d.Pipeline.Concurrency),
			ScratchRoot: envString("SCRATCH_ROOT", d.Pipeline.ScratchRoot),
		},
		Server: ServerConfig{
			Host: envString("SERVER_HOST", d.Server.Host),
			Port: envInt("SERVER_PORT", d.Server.Port),
		},
		Database: DatabaseConfig{
			URL: databaseURL(),
		},
		Log: LogConfig{
			Format: envString("LOG_FORMAT", d.Log.Format),
			Level:  envString("LOG_LEVEL", d.Log.Level),
		},
	}
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, "|"), value)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(oneOf("storage.backend", c.Storage.Backend, "local", "s3", "minio"))
	add(oneOf("reference.source", c.Reference.Source, "snapshot", "postgres"))
	add(oneOf("reference.index", c.Reference.Index, "linear", "hnsw"))
	add(oneOf("extractor.mode", c.Extractor.Mode, "single", "multi"))
	add(oneOf("pipeline.trigger", c.Pipeline.Trigger, "direct", "storage"))

	if c.Storage.Backend == "minio" && c.Storage.Endpoint == "" {
		add(errors.New("storage.endpoint is required for the minio backend"))
	}
	if c.Reference.Source == "postgres" && c.Database.URL == "" {
		add(errors.New("DATABASE_URL is required when reference.source is postgres"))
	}
	if c.Extractor.Mode == "multi" && c.Extractor.Count < 1 {
		add(fmt.Errorf("extractor.count must be >= 1, got %d", c.Extractor.Count))
	}
	if len(c.Worker.Thresholds) != 3 {
		add(fmt.Errorf("worker.thresholds must have 3 values, got %d", len(c.Worker.Thresholds)))
	}
	if c.Reference.MaxDistance < 0 {
		add(fmt.Errorf("reference.max_distance must be >= 0, got %f", c.Reference.MaxDistance))
	}
	for name, b := range map[string]string{"videos": c.Buckets.Videos, "frames": c.Buckets.Frames, "output": c.Buckets.Output} {
		if b == "" {
			add(fmt.Errorf("buckets.%s must not be empty", name))
		}
	}
	if c.Pipeline.ScratchRoot == "" {
		add(errors.New("pipeline.scratch_root must not be empty"))
	}

	return errors.Join(errs...)
}
