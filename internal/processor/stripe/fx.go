package stripe

import (
	"github.com/smallbiznis/recon/internal/processor"
	"go.uber.org/fx"
)

var Module = fx.Module("processor.stripe",
	fx.Provide(NewConfig),
	fx.Provide(NewClient),
	fx.Provide(NewWebhook),
	fx.Provide(func(c *Client) processor.Client { return c }),
	fx.Provide(func(w *Webhook) processor.WebhookVerifier { return w }),
)
