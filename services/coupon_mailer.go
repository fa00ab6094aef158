package services

import (
	"context"
	"fmt"
	"net/smtp"

	"petition-rewards/config"
	"petition-rewards/models"

	"github.com/jordan-wright/email"
	log "github.com/sirupsen/logrus"
)

// CouponNotifier is told about every newly created coupon. It must not block the caller
// and its failures never affect issuance.
type CouponNotifier interface {
	CouponIssued(ctx context.Context, c models.Coupon)
}

type NoopCouponNotifier struct{}

func (NoopCouponNotifier) CouponIssued(context.Context, models.Coupon) {}

// SMTPCouponMailer emails the coupon code to its owner in the background.
type SMTPCouponMailer struct {
	cfg  config.SMTPConfig
	send func(e *email.Email, addr string, auth smtp.Auth) error
}

func NewSMTPCouponMailer(cfg config.SMTPConfig) *SMTPCouponMailer {
	return &SMTPCouponMailer{
		cfg: cfg,
		send: func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		},
	}
}

// NewCouponNotifier returns the SMTP mailer when SMTP is configured, a no-op otherwise.
func NewCouponNotifier(cfg config.SMTPConfig) CouponNotifier {
	if !cfg.Enabled() {
		log.Info("[MAIL] SMTP not configured, coupon emails disabled")
		return NoopCouponNotifier{}
	}
	return NewSMTPCouponMailer(cfg)
}

func (m *SMTPCouponMailer) CouponIssued(_ context.Context, c models.Coupon) {
	go func() {
		if err := m.Send(c); err != nil {
			log.WithError(err).WithField("email", c.Email).Error("[MAIL] Failed to send coupon email")
			return
		}
		log.WithField("email", c.Email).Info("[MAIL] Coupon email sent")
	}()
}

// Send delivers the coupon email synchronously.
func (m *SMTPCouponMailer) Send(c models.Coupon) error {
	addr := fmt.Sprintf("%s:%s", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.User != "" {
		auth = smtp.PlainAuth("", m.cfg.User, m.cfg.Password, m.cfg.Host)
	}
	return m.send(BuildCouponEmail(m.cfg.From, c), addr, auth)
}

// BuildCouponEmail renders the message sent to a new coupon owner.
func BuildCouponEmail(from string, c models.Coupon) *email.Email {
	e := email.NewEmail()
	e.From = from
	e.To = []string{c.Email}
	e.Subject = "Merci pour votre signature : votre coupon est prêt"
	e.Text = []byte(fmt.Sprintf(
		"Bonjour,\n\nMerci d'avoir signé la pétition.\n\nVotre code coupon : %s\nNiveau : %s\nCrédits disponibles : %d\n\nPartagez votre code de parrainage pour gagner des crédits supplémentaires.\n",
		c.Code, c.Level, c.GenerationsRemaining,
	))
	return e
}
