package jmap

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/harmony/internal/models"
	"github.com/dmitrijs2005/harmony/internal/transport"
)

// Opener decodes sealed connection parameters.
type Opener interface {
	Open(sealed []byte, v any) error
}

// Dialer builds a Client per account from its sealed Config.
type Dialer struct {
	opener Opener
	opts   []Option
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer returns a Dialer that unseals connections with opener and
// passes opts to every Client.
func NewDialer(opener Opener, opts ...Option) *Dialer {
	return &Dialer{opener: opener, opts: opts}
}

// Dial unseals the account connection. Unreadable parameters reject the
// account, since no retry can fix them.
func (d *Dialer) Dial(ctx context.Context, account *models.ServiceAccount) (transport.Remote, error) {
	var cfg Config
	if err := d.opener.Open(account.Connection, &cfg); err != nil {
		return nil, fmt.Errorf("%w: connection of account %s: %v", transport.ErrRejected, account.ID, err)
	}
	if cfg.SessionURL == "" {
		return nil, fmt.Errorf("%w: account %s has no session url", transport.ErrRejected, account.ID)
	}
	return New(cfg, d.opts...), nil
}
