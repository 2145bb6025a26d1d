package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"bilidl/pkg/api"
	"bilidl/pkg/config"
	"bilidl/pkg/cookies"
	"bilidl/pkg/logger"
	"bilidl/pkg/processor"
)

func main() {
	// Parse configuration
	cfg, err := config.ParseCfg()
	if err != nil {
		logger.GetLogger().WithError(err).Error("Failed to parse config/args")
		os.Exit(1)
	}
	log := logger.Configure(cfg.Verbose, nil)

	// Load cookies; a bad source is reported and the run continues without them
	store := loadCookies(cfg, log)

	// Initialize API client
	apiClient, err := api.NewClient(
		api.WithUserAgent(cfg.UserAgent),
		api.WithReferer(cfg.Referer),
		api.WithProxy(cfg.Proxy),
		api.WithCookies(store),
	)
	if err != nil {
		log.WithError(err).Error("Failed to create API client")
		os.Exit(1)
	}

	// Initialize downloader and processor
	dl := processor.NewFetcher(apiClient, cfg)
	proc := processor.NewProcessor(apiClient, dl, cfg, processor.WithCookies(store))

	if err := proc.Run(); err != nil {
		log.WithField("input", cfg.Input).WithError(err).Error("Run failed")
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadCookies(cfg *config.Config, log *logrus.Logger) *cookies.Store {
	var (
		store  *cookies.Store
		err    error
		source string
	)
	switch {
	case cfg.Cookies != "":
		source = cfg.Cookies
		store, err = cookies.LoadNetscape(cfg.Cookies)
	case cfg.CookiesFromBrowser != "":
		source = cfg.CookiesFromBrowser
		store, err = cookies.LoadFromBrowser(cfg.CookiesFromBrowser)
	default:
		return cookies.NewStore()
	}

	if err != nil {
		log.WithField("source", source).WithError(err).Warn("Failed to load cookies, continuing without them")
	} else {
		log.WithFields(logrus.Fields{"source": source, "count": store.Len()}).Debug("Cookies loaded")
	}
	if store == nil {
		store = cookies.NewStore()
	}
	return store
}
