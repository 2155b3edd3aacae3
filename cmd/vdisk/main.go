package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	if err := newRootCommand(logger).ExecuteContext(context.Background()); err != nil {
		logger.WithError(err).Error("vdisk failed")
		os.Exit(1)
	}
}
