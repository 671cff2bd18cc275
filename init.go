package vkern

import (
	"os"

	log "github.com/sirupsen/logrus"
)

func init() {
	// Setup logrus
	log.SetFormatter(&log.TextFormatter{
		ForceColors: true,
	})
	log.SetLevel(log.InfoLevel)

	if lvl, ok := os.LookupEnv("VKERN_LOG_LEVEL"); ok {
		parsed, err := log.ParseLevel(lvl)
		if err != nil {
			log.WithField("VKERN_LOG_LEVEL", lvl).Warn("[vkern] unknown log level, keep Info")
		} else {
			log.SetLevel(parsed)
		}
	}
}
