package main

import (
	"io"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/srilakshmi/vdisk/agent"
	"github.com/srilakshmi/vdisk/vdisk"
)

const (
	flagListen = "listen"
	flagFile   = "file"
	flagSize   = "size"
)

func newAgentCommand(v *viper.Viper, logger *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Serve a disk to virtual disk clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := buildAgent(v, logger)
			if err != nil {
				return err
			}
			if err := server.Start(); err != nil {
				server.Stop()
				return err
			}
			waitForSignal(logger)
			return server.Stop()
		},
	}
	cmd.Flags().String(flagListen, ":9999", "listen address")
	cmd.Flags().String(flagDisk, "", "disk id to export")
	cmd.Flags().String(flagFile, "", "backing file (in memory when empty)")
	cmd.Flags().String(flagSize, "1GiB", "disk size")
	return cmd
}

func buildAgent(v *viper.Viper, logger logrus.FieldLogger) (*agent.Server, error) {
	id := v.GetString(flagDisk)
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.Wrapf(err, "invalid disk id %q", id)
	}
	size, err := units.RAMInBytes(v.GetString(flagSize))
	if err != nil {
		return nil, errors.Wrap(err, "invalid size")
	}
	if size <= 0 {
		return nil, errors.Errorf("invalid size %d", size)
	}

	var backend agent.StorageBackend
	if path := v.GetString(flagFile); path != "" {
		fb, err := agent.OpenFileBackend(path, uint64(size))
		if err != nil {
			return nil, err
		}
		backend = fb
	} else {
		backend = agent.NewMemoryBackend(uint64(size))
	}

	server := agent.NewServer(v.GetString(flagListen), logger)
	if err := server.AddDisk(vdisk.DevicePathPrefix+id, backend); err != nil {
		if c, ok := backend.(io.Closer); ok {
			c.Close()
		}
		return nil, err
	}
	logger.WithField("disk", id).WithField("size", units.BytesSize(float64(size))).Info("exporting disk")
	return server, nil
}
