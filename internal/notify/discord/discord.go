// Package discord delivers notify events to a Discord channel.
package discord

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/mathreel/internal/notify"
)

// session is the subset of *discordgo.Session used here.
type session interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Opts configures a Notifier.
type Opts struct {
	Token     string
	ChannelID string
	Session   session // overrides Token, for tests
}

// Notifier posts events as embeds.
type Notifier struct {
	session   session
	channelID string
}

// New validates opts and builds a Notifier. No gateway connection is
// opened; embeds go over the REST API only.
func New(opts Opts) (*Notifier, error) {
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel id is required")
	}
	s := opts.Session
	if s == nil {
		if opts.Token == "" {
			return nil, fmt.Errorf("discord: bot token is required")
		}
		dg, err := discordgo.New("Bot " + opts.Token)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		s = dg
	}
	return &Notifier{session: s, channelID: opts.ChannelID}, nil
}

// Notify implements notify.Notifier.
func (n *Notifier) Notify(ctx context.Context, ev notify.Event) error {
	if _, err := n.session.ChannelMessageSendEmbed(n.channelID, eventToEmbed(ev), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send to %s: %w", n.channelID, err)
	}
	return nil
}

// eventToEmbed converts an Event to a Discord embed.
func eventToEmbed(ev notify.Event) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       ev.Title,
		URL:         ev.URL,
		Description: ev.Body,
		Color:       hexColor(ev.Color),
	}
	for _, f := range ev.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	return embed
}

// hexColor parses "#rrggbb" into the integer form Discord expects.
func hexColor(s string) int {
	v, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(v)
}
