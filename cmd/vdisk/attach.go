package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/srilakshmi/vdisk/admin"
	"github.com/srilakshmi/vdisk/agent"
	"github.com/srilakshmi/vdisk/vdisk"
)

const (
	flagDisk            = "disk"
	flagHosts           = "hosts"
	flagAdmin           = "admin"
	flagQueueDepth      = "queue-depth"
	flagRetryInterval   = "retry-interval"
	flagFailoverTimeout = "failover-timeout"
	flagProbeTimeout    = "probe-timeout"
	flagOpenTimeout     = "open-timeout"

	closeTimeout = 30 * time.Second
)

func addDiskFlags(cmd *cobra.Command) {
	cmd.Flags().String(flagDisk, "", "disk id")
	cmd.Flags().String(flagHosts, "", "comma separated host[:port] list, in failover order")
	cmd.Flags().Int(flagQueueDepth, vdisk.DefaultQueueDepth, "maximum live requests")
	cmd.Flags().Duration(flagRetryInterval, vdisk.DefaultRetryInterval, "backoff after a full pass over the hosts")
	cmd.Flags().Duration(flagFailoverTimeout, 0, "mark the disk failed after failing over this long (0 retries forever)")
	cmd.Flags().Duration(flagProbeTimeout, vdisk.DefaultProbeTimeout, "failover-ready probe timeout")
	cmd.Flags().Duration(flagOpenTimeout, vdisk.DefaultOpenTimeout, "connect and open timeout per host")
}

func diskConfig(v *viper.Viper, logger logrus.FieldLogger, reg prometheus.Registerer) (vdisk.Config, error) {
	hosts, err := vdisk.ParseHostList(v.GetString(flagHosts))
	if err != nil {
		return vdisk.Config{}, err
	}
	cfg := vdisk.Config{
		DiskID:          v.GetString(flagDisk),
		Hosts:           hosts,
		QueueDepth:      v.GetInt(flagQueueDepth),
		RetryInterval:   v.GetDuration(flagRetryInterval),
		FailoverTimeout: v.GetDuration(flagFailoverTimeout),
		ProbeTimeout:    v.GetDuration(flagProbeTimeout),
		OpenTimeout:     v.GetDuration(flagOpenTimeout),
		Logger:          logger,
		Registerer:      reg,
	}
	return cfg, cfg.Validate()
}

func openDisk(ctx context.Context, v *viper.Viper, logger logrus.FieldLogger, reg prometheus.Registerer) (*vdisk.Device, error) {
	cfg, err := diskConfig(v, logger, reg)
	if err != nil {
		return nil, err
	}
	client := agent.NewClient(vdisk.HandleCompletion, agent.ClientConfig{Logger: logger})
	return vdisk.Open(ctx, client, cfg)
}

func closeDisk(d *vdisk.Device, logger logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		logger.WithError(err).Warn("closing disk")
	}
}

func newAttachCommand(v *viper.Viper, logger *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach a virtual disk and serve its admin API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			d, err := openDisk(cmd.Context(), v, logger, reg)
			if err != nil {
				return err
			}
			defer closeDisk(d, logger)

			disks := admin.NewRegistry()
			if err := disks.Add(d); err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              v.GetString(flagAdmin),
				Handler:           admin.NewHandler(disks, reg, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() {
				logger.WithField("addr", srv.Addr).Info("admin API listening")
				errc <- srv.ListenAndServe()
			}()

			go waitAndShutdown(srv, logger)
			if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	addDiskFlags(cmd)
	cmd.Flags().String(flagAdmin, "127.0.0.1:9898", "admin API listen address")
	return cmd
}

func waitAndShutdown(srv *http.Server, logger logrus.FieldLogger) {
	waitForSignal(logger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("admin shutdown")
	}
}
