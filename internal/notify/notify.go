// Package notify tells instance owners about finished work.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// InstanceCreated carries what the owner needs to reach a new instance.
type InstanceCreated struct {
	Email          string `json:"email"`
	Environment    string `json:"environment"`
	EnvPath        string `json:"environment_path"`
	InstanceName   string `json:"instance_name"`
	RootDNSZone    string `json:"root_dns_zone"`
	AccessPassword string `json:"access_password"`
	RepositoryURL  string `json:"repository_url"`
}

// URL is the address the instance is expected to answer on.
func (e InstanceCreated) URL() string {
	return fmt.Sprintf("https://%s.%s.%s", e.InstanceName, e.EnvPath, e.RootDNSZone)
}

type Notifier interface {
	InstanceCreated(ctx context.Context, e InstanceCreated) error
}

// Mail is the message handed to the mail service.
type Mail struct {
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
}

func instanceCreatedMail(e InstanceCreated) Mail {
	var b strings.Builder
	b.WriteString("Cloud instance information: <ul>")
	fmt.Fprintf(&b, "<li>Environment: %s</li>", e.Environment)
	fmt.Fprintf(&b, "<li>Instance name: %s</li>", e.InstanceName)
	fmt.Fprintf(&b, "<li>Instance domain: %s</li>", e.URL())
	fmt.Fprintf(&b, "<li>Access password: %s</li>", e.AccessPassword)
	fmt.Fprintf(&b, "<li>Repository URL: %s</li>", e.RepositoryURL)
	b.WriteString("</ul>")
	return Mail{
		To:      e.Email,
		Subject: "New Cloud instance access information",
		Content: b.String(),
		SentAt:  time.Now().UTC(),
	}
}

// NATSNotifier publishes mails on <prefix>.mail for the mail service to deliver.
type NATSNotifier struct {
	nc      *nats.Conn
	subject string
}

func NewNATSNotifier(nc *nats.Conn, prefix string) *NATSNotifier {
	return &NATSNotifier{nc: nc, subject: prefix + ".mail"}
}

func (n *NATSNotifier) InstanceCreated(ctx context.Context, e InstanceCreated) error {
	if n.nc == nil || n.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	data, err := json.Marshal(instanceCreatedMail(e))
	if err != nil {
		return err
	}
	return n.nc.Publish(n.subject, data)
}

// LogNotifier only logs. The access password is never written out.
type LogNotifier struct {
	log *logrus.Entry
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogNotifier{log: logger.WithField("component", "notify")}
}

func (n *LogNotifier) InstanceCreated(ctx context.Context, e InstanceCreated) error {
	n.log.WithFields(logrus.Fields{
		"to":       e.Email,
		"instance": e.InstanceName,
		"url":      e.URL(),
	}).Info("Instance created notification")
	return nil
}
