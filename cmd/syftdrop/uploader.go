package main

import (
	"context"

	"github.com/openmined/syftdrop/internal/client/config"
	"github.com/openmined/syftdrop/internal/dropsdk"
	"github.com/openmined/syftdrop/internal/progress"
	"github.com/openmined/syftdrop/internal/session"
	"github.com/openmined/syftdrop/internal/transfer"
)

// uploader is the client stack for one cli invocation
type uploader struct {
	sdk     *dropsdk.SDK
	channel *progress.Channel
	manager *session.Manager
}

func newUploader(cfg *config.Config, notifier session.Notifier) (*uploader, error) {
	sdk, err := dropsdk.New(&dropsdk.Config{
		BaseURL:     cfg.ServerURL,
		AccessToken: cfg.AccessToken,
	})
	if err != nil {
		return nil, err
	}

	channel, err := progress.NewChannel(&progress.Config{
		ServerURL: cfg.ServerURL,
		Header:    sdk.AuthHeader,
		Encoding:  cfg.WSEncoding(),
	})
	if err != nil {
		return nil, err
	}

	coordinator := transfer.NewCoordinator(
		transfer.NewClient(nil),
		&transfer.SDKResolver{Grants: sdk.Grants},
		&transfer.CoordinatorConfig{
			MaxConcurrency: cfg.MaxConcurrency,
			ReissueExpired: cfg.ReissueExpired,
		},
	)

	manager, err := session.NewManager(&session.Config{
		Coordinator: coordinator,
		Channel:     channel,
		Notifier:    notifier,
	})
	if err != nil {
		return nil, err
	}

	return &uploader{sdk: sdk, channel: channel, manager: manager}, nil
}

func (u *uploader) close(ctx context.Context) {
	u.manager.Close()
	_ = u.manager.StopConnection(ctx)
	u.sdk.Close()
}
