package app

import (
	"context"
	"log"
	"time"

	"github.com/campuslink/campuslink/internal/config"
	"github.com/campuslink/campuslink/internal/util"
)

type Options struct {
	BaseDir     string
	CfgPath     string
	Cfg         config.Config
	Interactive bool
}

// Run brings the whole session layer up and blocks until ctx is
// cancelled: signaling with automatic reconnect, call handling, message
// delivery and the credentials watcher.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	credsPath := util.ResolvePath(opt.BaseDir, cfg.Paths.CredentialsFile)
	creds, err := config.LoadCredentials(credsPath)
	if err != nil {
		return err
	}

	dataDir := util.ResolvePath(opt.BaseDir, cfg.Paths.DataDir)
	client, err := newClient(cfg, creds, dataDir)
	if err != nil {
		return err
	}
	defer client.close()

	log.Printf("APP: user %s (%s)", creds.UserID, creds.DisplayName)

	// ── Inbound demux: chat to the store, call control to the manager.
	sub, cancelSub := client.sig.Subscribe()
	defer cancelSub()
	go func() {
		for env := range sub {
			if env.IsControl() {
				client.calls.Deliver(toCallEnvelope(env))
				continue
			}
			client.store.DeliverInbound(env.SenderID, env.Text, sentAtTime(env.SentAt))
			client.record("message from %s", env.SenderID)
		}
	}()

	// ── Signaling session keeper: connect, wait for the session to die,
	// reconnect with doubling backoff.
	go runSignalingKeeper(ctx, client, cfg.Signaling)

	// ── Credentials hot reload (token refresh, re-login).
	credsCh, stopWatch, err := config.WatchCredentials(credsPath)
	if err != nil {
		log.Printf("APP: credentials watcher disabled: %v", err)
	} else {
		defer stopWatch()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case fresh, ok := <-credsCh:
					if !ok {
						return
					}
					client.setCredentials(ctx, fresh)
				}
			}
		}()
	}

	if opt.Interactive {
		go runREPL(ctx, client)
	}

	<-ctx.Done()
	log.Printf("APP: shutting down")
	return nil
}

func runSignalingKeeper(ctx context.Context, client *Client, cfg config.Signaling) {
	minDelay := time.Duration(cfg.ReconnectMinSec) * time.Second
	maxDelay := time.Duration(cfg.ReconnectMaxSec) * time.Second
	delay := minDelay

	for ctx.Err() == nil {
		if !client.Connected() {
			if err := client.connect(ctx); err != nil {
				log.Printf("APP: signaling connect failed, retrying in %s: %v", delay, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				delay *= 2
				if delay > maxDelay {
					delay = maxDelay
				}
				continue
			}
			delay = minDelay
			client.record("signaling connected")
		}

		select {
		case <-ctx.Done():
			return
		case <-client.sig.Done():
			if ctx.Err() == nil {
				log.Printf("APP: signaling session ended, reconnecting")
			}
		}
	}
}
