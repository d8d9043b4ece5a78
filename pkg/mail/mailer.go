package mail

import (
	"crypto/tls"
	"fmt"

	"gopkg.in/gomail.v2"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool
}

// Mailer 通过 SMTP 发送 HTML 邮件
type Mailer struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
}

func NewMailer(cfg SMTPConfig) *Mailer {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	// 465 为隐式 TLS，其余端口在 TLS 开启时走 STARTTLS
	d.SSL = cfg.TLS && cfg.Port == 465
	if cfg.TLS {
		d.TLSConfig = &tls.Config{ServerName: cfg.Host}
	}
	return &Mailer{cfg: cfg, dialer: d}
}

// BuildMessage 组装邮件，bodyText 非空时作为纯文本备选
func BuildMessage(from, to, subject, bodyHTML, bodyText string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	if bodyText != "" {
		m.SetBody("text/plain", bodyText)
		m.AddAlternative("text/html", bodyHTML)
	} else {
		m.SetBody("text/html", bodyHTML)
	}
	return m
}

func (m *Mailer) Send(to, subject, bodyHTML, bodyText string) error {
	if to == "" {
		return fmt.Errorf("mail: empty recipient")
	}
	msg := BuildMessage(m.cfg.From, to, subject, bodyHTML, bodyText)
	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("mail: send to %s: %w", to, err)
	}
	return nil
}
