package server

import (
	"github.com/piwi3910/stbcache/internal/cache"
	"github.com/piwi3910/stbcache/internal/carousel"
	"github.com/piwi3910/stbcache/internal/config"
	"github.com/piwi3910/stbcache/internal/ingest"
	"github.com/piwi3910/stbcache/internal/multicast"
	"github.com/piwi3910/stbcache/internal/origin"
	"github.com/piwi3910/stbcache/internal/persist"
	"github.com/piwi3910/stbcache/internal/serve"
	"github.com/piwi3910/stbcache/internal/sweeper"
)

func storeConfig(cfg *config.Config) cache.Config {
	c := cache.DefaultConfig()
	c.Capacity = cfg.Cache.Capacity
	c.MaxEntries = cfg.Cache.MaxEntries
	c.MMapThreshold = cfg.Cache.MMapThreshold

	return c
}

func sweeperConfig(cfg *config.Config) sweeper.Config {
	return sweeper.Config{
		Interval: cfg.Cache.SweepInterval,
		LockWait: cfg.Cache.EvictLockWait,
	}
}

func assemblerConfig(cfg *config.Config) carousel.Config {
	c := carousel.DefaultConfig()
	c.PIDs = cfg.Carousel.PIDs
	c.MaxObjectSize = cfg.Cache.MaxObjectSize

	if cfg.Carousel.AssemblyTimeout > 0 {
		c.Timeout = cfg.Carousel.AssemblyTimeout
	}
	if cfg.Carousel.MaxInFlight > 0 {
		c.MaxInFlight = cfg.Carousel.MaxInFlight
	}

	return c
}

func ingestConfig(cfg *config.Config) ingest.Config {
	return ingest.Config{
		DefaultTTL: cfg.Cache.DefaultTTL,
		URLPrefix:  cfg.Carousel.URLPrefix,
	}
}

func multicastConfig(cfg *config.Config) multicast.Config {
	return multicast.Config{
		Group:      cfg.Multicast.Group,
		Port:       cfg.Multicast.Port,
		Interface:  cfg.Multicast.Interface,
		ReadBuffer: cfg.Multicast.ReadBuffer,
	}
}

func originConfig(cfg *config.Config) origin.Config {
	return origin.Config{
		BaseURL:       cfg.Origin.BaseURL,
		Timeout:       cfg.Origin.Timeout,
		MaxObjectSize: cfg.Origin.MaxObjectSize,
		SkipTLSVerify: cfg.Origin.SkipTLSVerify,
		S3: origin.S3Config{
			Driver:    cfg.Origin.S3.Driver,
			Endpoint:  cfg.Origin.S3.Endpoint,
			Region:    cfg.Origin.S3.Region,
			AccessKey: cfg.Origin.S3.AccessKey,
			SecretKey: cfg.Origin.S3.SecretKey,
			UseSSL:    cfg.Origin.S3.UseSSL,
		},
	}
}

func serveConfig(cfg *config.Config) serve.Config {
	return serve.Config{
		Populate:         cfg.Origin.Populate,
		TTL:              cfg.Origin.TTL,
		WriteIdleTimeout: cfg.HTTP.WriteIdleTimeout,
	}
}

func persistConfig(cfg *config.Config) persist.Config {
	return persist.Config{
		Enabled:     cfg.Persist.Enabled,
		Dir:         cfg.Persist.Dir,
		Compression: persist.Algorithm(cfg.Persist.Compression),
	}
}
