// Package config loads ptpoold's configuration from an optional YAML file
// with overrides from cobra flags, persistent flags taking precedence
// over file values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface for ptpoold.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Ports        PortsConfig        `yaml:"ports"`
	Docker       DockerConfig       `yaml:"docker"`
	CachedFiles  CachedFilesConfig  `yaml:"cached_files"`
	Tasks        TasksConfig        `yaml:"tasks"`
	PTChecker    PTCheckerConfig    `yaml:"pt_checker"`
	Log          LogConfig          `yaml:"log"`
	Thresholds   ThresholdsConfig   `yaml:"thresholds"`
	Reconciler   ReconcilerConfig   `yaml:"reconciler"`
	API          APIConfig          `yaml:"api"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type PortsConfig struct {
	Lowest  int `yaml:"lowest"`
	Highest int `yaml:"highest"`
}

type DockerConfig struct {
	Socket           string `yaml:"socket"`
	Namespace        string `yaml:"namespace"`
	ImageName        string `yaml:"image_name"`
	DataHostDir      string `yaml:"data_host_dir"`
	DataContainerDir string `yaml:"data_container_dir"`
	PTContainerPort  int    `yaml:"pt_container_port"`
	VNCContainerPort int    `yaml:"vnc_container_port"`
}

type CachedFilesConfig struct {
	CacheDir     string `yaml:"cache_dir"`
	ContainerDir string `yaml:"container_dir"`
}

type TasksConfig struct {
	Workers    int           `yaml:"workers"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type PTCheckerConfig struct {
	JarPath string        `yaml:"jar_path"`
	Timeout time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file"`
}

type ThresholdsConfig struct {
	CPUPercent    float64 `yaml:"cpu_percent"`
	MemoryPercent float64 `yaml:"memory_percent"`
}

type ReconcilerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when no file or flags override it,
// mirroring the value set the original's config.py module-level constants.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "/var/lib/ptpool/ptpool.db"},
		Ports:    PortsConfig{Lowest: 20000, Highest: 20999},
		Docker: DockerConfig{
			Socket:           "/run/containerd/containerd.sock",
			Namespace:        "ptpool",
			ImageName:        "ptpool/instance:latest",
			DataContainerDir: "/data",
			PTContainerPort:  80,
			VNCContainerPort: 10080,
		},
		CachedFiles: CachedFilesConfig{
			CacheDir:     "/var/lib/ptpool/cache",
			ContainerDir: "/cache",
		},
		Tasks: TasksConfig{
			Workers:    4,
			MaxRetries: 3,
			RetryDelay: 10 * time.Second,
		},
		PTChecker: PTCheckerConfig{
			JarPath: "/opt/ptpool/pt-checker.jar",
			Timeout: 2 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Thresholds: ThresholdsConfig{
			CPUPercent:    90,
			MemoryPercent: 90,
		},
		Reconciler: ReconcilerConfig{Interval: 30 * time.Second},
		API:        APIConfig{ListenAddr: ":8080"},
	}
}

// Load starts from Default and merges in path, if non-empty and present.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}
