package main

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ricochet1k/cloudide/internal/config"
	"github.com/ricochet1k/cloudide/internal/insight"
	"github.com/ricochet1k/cloudide/internal/router"
	"github.com/ricochet1k/cloudide/internal/session"
	"github.com/ricochet1k/cloudide/internal/transport"
)

type provisioningStack struct {
	conn       *transport.Conn
	router     *router.Router
	correlator *session.Correlator
}

// newProvisioningStack builds link, router and correlator. reg may be nil
// when no metrics are exported.
func newProvisioningStack(a *app, reg prometheus.Registerer) *provisioningStack {
	cfg := a.cfg
	dialer := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
	}
	conn := transport.New(cfg.Transport.URL,
		transport.WithDialer(dialer),
		transport.WithDialTimeout(cfg.Transport.DialTimeout),
		transport.WithLogger(a.logger),
	)

	routerOpts := []router.Option{router.WithLogger(a.logger)}
	if reg != nil {
		routerOpts = append(routerOpts, router.WithMetrics(router.NewMetrics(reg)))
	}
	r := router.New(conn, routerOpts...)

	c := session.NewCorrelator(r, cfg.Channels,
		session.WithShape(cfg.Request.Shape),
		session.WithLogger(a.logger),
	)
	return &provisioningStack{conn: conn, router: r, correlator: c}
}

func (s *provisioningStack) Close() error {
	return s.conn.Close()
}

// newAnalyzer returns the enrichment adapter for the configured backend.
// The "none" backend still yields an Analyzer that always falls back.
func newAnalyzer(ctx context.Context, a *app) (*insight.Analyzer, error) {
	cfg := a.cfg.Insight

	var gen insight.Generator
	switch cfg.Backend {
	case config.BackendGemini:
		g, err := insight.NewGeminiGenerator(ctx, insight.GeminiConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			ProjectID:   cfg.ProjectID,
			Location:    cfg.Location,
			UseVertexAI: cfg.ProjectID != "",
		})
		if err != nil {
			return nil, fmt.Errorf("gemini insight backend: %w", err)
		}
		gen = g
	case config.BackendOpenAI:
		g, err := insight.NewOpenAIGenerator(insight.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("openai insight backend: %w", err)
		}
		gen = g
	}

	return insight.NewAnalyzer(gen,
		insight.WithTimeout(cfg.Timeout),
		insight.WithBreaker(insight.NewBreaker(cfg.FailureThreshold, cfg.Cooldown)),
		insight.WithLogger(a.logger),
	), nil
}
