package notify

import (
	"context"
	"fmt"
	"log"
	"net/smtp"
	"strings"
	"time"
)

// MailConfig holds SMTP configuration for the dispatcher.
type MailConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	To       []string
}

func (c MailConfig) configured() bool {
	return c.Host != "" && c.Port != "" && c.From != "" && len(c.To) > 0
}

// Dispatcher drains the queue and mails each payload to the curator
// list. Delivery failures are logged and the payload dropped; the queue
// is advisory, not transactional.
type Dispatcher struct {
	queue *RedisQueue
	mail  MailConfig
	send  func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewDispatcher(queue *RedisQueue, mail MailConfig) *Dispatcher {
	return &Dispatcher{queue: queue, mail: mail, send: smtp.SendMail}
}

// Run loops until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p, err := d.queue.Pop(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("notify: dequeue failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if p == nil {
			continue
		}
		if err := d.Deliver(*p); err != nil {
			log.Printf("notify: deliver %s failed: %v", p.Kind, err)
		}
	}
}

// Deliver formats and sends one payload.
func (d *Dispatcher) Deliver(p Payload) error {
	if !d.mail.configured() {
		return fmt.Errorf("mail not configured")
	}
	subject, body := FormatPayload(p)
	msg := []byte(fmt.Sprintf(
		"To: %s\r\nFrom: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		strings.Join(d.mail.To, ", "), d.mail.From, subject, body))

	auth := smtp.PlainAuth("", d.mail.Username, d.mail.Password, d.mail.Host)
	return d.send(d.mail.Host+":"+d.mail.Port, auth, d.mail.From, d.mail.To, msg)
}

// FormatPayload renders a payload to a mail subject and plain-text body.
func FormatPayload(p Payload) (subject, body string) {
	var b strings.Builder
	switch p.Kind {
	case KindAdminMergeRequest:
		subject = fmt.Sprintf("Merge request: %s into %s", p.MergedName, p.SurvivorName)
		fmt.Fprintf(&b, "%s requests merging %s (#%d) into %s (#%d).\n",
			p.RequesterLogin, p.MergedName, p.MergedID, p.SurvivorName, p.SurvivorID)
		fmt.Fprintf(&b, "The doomed name has %d naming(s) and other dependents.\n", p.Namings)
	case KindIDConflict:
		subject = fmt.Sprintf("Registry id conflict merging %s into %s", p.MergedName, p.SurvivorName)
		fmt.Fprintf(&b, "%s attempted a merge of %s (#%d) into %s (#%d), but both carry registry identifiers.\n",
			p.RequesterLogin, p.MergedName, p.MergedID, p.SurvivorName, p.SurvivorID)
	case KindNontrivialChange:
		subject = fmt.Sprintf("Name change: %s", p.NewName)
		fmt.Fprintf(&b, "%s changed %s to %s (name #%d).\n",
			p.RequesterLogin, p.OldName, p.NewName, p.NameID)
	default:
		subject = fmt.Sprintf("Notice: %s", p.Kind)
	}
	if p.Note != "" {
		fmt.Fprintf(&b, "\nNote: %s\n", p.Note)
	}
	return subject, b.String()
}
