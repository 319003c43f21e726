// Package server wires the smtp2tg services together.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/inbucket/smtp2tg/pkg/config"
	"github.com/inbucket/smtp2tg/pkg/extension"
	"github.com/inbucket/smtp2tg/pkg/extension/luahost"
	"github.com/inbucket/smtp2tg/pkg/msghub"
	"github.com/inbucket/smtp2tg/pkg/relay"
	"github.com/inbucket/smtp2tg/pkg/rest"
	"github.com/inbucket/smtp2tg/pkg/server/smtp"
	"github.com/inbucket/smtp2tg/pkg/server/web"
	"github.com/inbucket/smtp2tg/pkg/telegram"
	"github.com/rs/zerolog/log"
)

// The web router is process global, routes may only be added once.
var routesOnce sync.Once

// Services holds the configured services.
type Services struct {
	ExtHost    *extension.Host
	LuaHost    *luahost.Host // nil when no script is loaded.
	MsgHub     *msghub.Hub
	Telegram   *telegram.Client
	Pipeline   *relay.Pipeline
	SMTPServer *smtp.Server
	WebServer  *web.Server // nil when the web listener is disabled.

	notify chan error
}

// FullEnv wires up the production smtp2tg environment.
func FullEnv(conf *config.Root) (*Services, error) {
	tg, err := telegram.New(conf.Telegram.APIURL, conf.Telegram.Token, conf.Telegram.ChatID,
		telegram.WithTimeout(conf.Telegram.Timeout))
	if err != nil {
		return nil, err
	}

	extHost := extension.NewHost()
	luaHost, err := luahost.New(conf.Lua, extHost)
	if err != nil {
		return nil, err
	}
	msgHub := msghub.New(conf.Web.MonitorHistory, extHost)
	pipeline := relay.NewPipeline(conf.Telegram, tg, extHost)
	smtpServer := smtp.NewServer(conf.SMTP, pipeline)

	var webServer *web.Server
	if conf.Web.Addr != "" {
		routesOnce.Do(func() {
			rest.SetupRoutes(web.Router.PathPrefix("/api/").Subrouter())
		})
		webServer = web.NewServer(conf, msgHub)
	}

	return &Services{
		ExtHost:    extHost,
		LuaHost:    luaHost,
		MsgHub:     msgHub,
		Telegram:   tg,
		Pipeline:   pipeline,
		SMTPServer: smtpServer,
		WebServer:  webServer,
		notify:     make(chan error, 2),
	}, nil
}

// Start binds the SMTP listener and launches all services in the background; they run until ctx
// is done.  Failing to bind the SMTP listener is returned immediately.  readyFunc is called once
// every listener is bound.
func (s *Services) Start(ctx context.Context, readyFunc func()) error {
	events := s.ExtHost.Events
	log.Debug().Str("module", "extension").Str("phase", "startup").
		Strs("before_relayed", events.BeforeMessageRelayed.Names()).
		Strs("after_relayed", events.AfterMessageRelayed.Names()).
		Msg("Event listeners registered")
	go s.MsgHub.Start(ctx)

	if err := s.SMTPServer.Listen(); err != nil {
		return err
	}
	go s.SMTPServer.Serve(ctx)
	go s.forward(ctx, s.SMTPServer.Notify())

	if s.WebServer == nil {
		readyFunc()
		return nil
	}
	go s.WebServer.Start(ctx, readyFunc)
	go s.forward(ctx, s.WebServer.Notify())
	return nil
}

// forward relays the first fatal error of a service to Notify.
func (s *Services) forward(ctx context.Context, c <-chan error) {
	select {
	case err, ok := <-c:
		if ok && err != nil {
			s.notify <- err
		}
	case <-ctx.Done():
	}
}

// Notify merges fatal errors from the running services.
func (s *Services) Notify() <-chan error {
	return s.notify
}

// Drain waits for open SMTP sessions to finish their relays, see smtp.Server.Drain.
func (s *Services) Drain(grace time.Duration) bool {
	return s.SMTPServer.Drain(grace)
}
