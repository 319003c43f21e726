package rest

import (
	"net/http"

	"github.com/inbucket/smtp2tg/pkg/config"
	"github.com/inbucket/smtp2tg/pkg/extension/event"
	"github.com/inbucket/smtp2tg/pkg/metric"
	"github.com/inbucket/smtp2tg/pkg/rest/model"
	"github.com/inbucket/smtp2tg/pkg/server/web"
)

// StatusV1 renders the configuration summary, counters and recent relay results.
func StatusV1(w http.ResponseWriter, req *http.Request, ctx *web.Context) (err error) {
	conf := ctx.RootConfig
	status := &model.JSONStatusV1{
		Version:      config.Version,
		BuildDate:    config.BuildDate,
		SMTPListener: conf.SMTP.Addr(),
		WebListener:  conf.Web.Addr,
		ChatID:       conf.Telegram.ChatID,
		ChunkSize:    conf.Telegram.ChunkSize,
		MaxAttempts:  conf.Telegram.MaxAttempts,
		SMTP:         metric.Counters("smtp"),
		Relay:        metric.Counters("relay"),
		Recent:       []*model.JSONRelayV1{},
	}
	if ctx.MsgHub != nil {
		history := ctx.MsgHub.History()
		// Newest first.
		for i := len(history) - 1; i >= 0; i-- {
			status.Recent = append(status.Recent, relayToJSON(&history[i]))
		}
	}
	return web.RenderJSON(w, status)
}

func relayToJSON(meta *event.RelayMetadata) *model.JSONRelayV1 {
	return &model.JSONRelayV1{
		ID:      meta.ID,
		From:    meta.From,
		To:      meta.To,
		Subject: meta.Subject,
		Date:    meta.Date,
		Size:    meta.Size,
		Chunks:  meta.Chunks,
		Sent:    meta.Sent,
		Failed:  meta.Failed,
		Error:   meta.Error,
	}
}

// relayVariant classifies a relay result for monitor clients.
func relayVariant(meta *event.RelayMetadata) string {
	switch {
	case !meta.Delivered():
		return model.VariantFailed
	case len(meta.Failed) > 0:
		return model.VariantPartial
	}
	return model.VariantRelayed
}
