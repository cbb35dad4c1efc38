// Package telegram delivers messages through the Telegram Bot API using
// telebot. Only credential-bundle mode is supported: the bundle is a file
// holding the bot token.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"blastd/internal/delivery"
	logx "blastd/pkg/logx"
)

type Config struct {
	// Offline skips the getMe handshake (tests).
	Offline bool
}

// Factory returns an AcquireFunc backed by telebot.
func Factory(cfg Config, log logx.Logger) delivery.AcquireFunc {
	return func(ctx context.Context, mode delivery.Mode, m delivery.Material) (delivery.Capability, error) {
		if mode != delivery.ModeCredentials {
			return nil, &delivery.AcquireError{Mode: mode, Err: errors.New("telegram driver requires credential-bundle mode")}
		}
		token, err := readToken(m.CredentialFile)
		if err != nil {
			return nil, &delivery.AcquireError{Mode: mode, Err: err}
		}

		// NewBot performs the getMe handshake, which is the asynchronous part
		// of acquisition for this driver.
		bot, err := tele.NewBot(tele.Settings{
			Token:   token,
			Offline: cfg.Offline,
			Client:  &http.Client{Timeout: 15 * time.Second},
		})
		if err != nil {
			return nil, &delivery.AcquireError{Mode: mode, Err: err}
		}
		log.Info("telegram capability acquired")
		return &capability{bot: bot, log: log}, nil
	}
}

func readToken(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", errors.New("credential file not set")
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("read credential bundle: %w", err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", fmt.Errorf("credential bundle %s is empty", p)
	}
	return token, nil
}

type capability struct {
	bot *tele.Bot
	log logx.Logger
}

// recipient satisfies telebot's Recipient for raw chat ids and @usernames.
type recipient string

func (r recipient) Recipient() string { return string(r) }

func (c *capability) Normalize(target string) string {
	t := strings.TrimSpace(target)
	if t == "" || strings.HasPrefix(t, "@") {
		return t
	}
	if _, err := strconv.ParseInt(t, 10, 64); err == nil {
		return t
	}
	return "@" + t
}

func (c *capability) Send(ctx context.Context, addr, text string) (delivery.Receipt, error) {
	msg, err := c.bot.Send(recipient(addr), text)
	if err != nil {
		return delivery.Receipt{}, err
	}
	return delivery.Receipt{ID: strconv.Itoa(msg.ID), At: time.Now()}, nil
}

func (c *capability) Release(ctx context.Context) error {
	// Pollerless bot: nothing holds a connection open.
	c.log.Debug("telegram capability released")
	return nil
}
