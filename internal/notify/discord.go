package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/playwatch/playwatch/internal/tracker"
)

const (
	colorStarted = 0x00CC66
	colorStopped = 0x3399FF
)

// DiscordSession abstracts the discordgo.Session methods used by the
// notifier, enabling mock-based testing without real Discord API calls.
type DiscordSession interface {
	Open() error
	Close() error
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type realDiscordSession struct {
	s *discordgo.Session
}

func (r *realDiscordSession) Open() error {
	return r.s.Open()
}

func (r *realDiscordSession) Close() error {
	return r.s.Close()
}

func (r *realDiscordSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendEmbed(channelID, embed, options...)
}

// DiscordNotifier posts a message to a channel whenever a tracked program
// starts or stops. It subscribes to tick status publications and reacts to
// running-state flips only.
type DiscordNotifier struct {
	session   DiscordSession
	channelID string
	bus       *tracker.Bus
	logger    *zap.Logger

	mu       sync.Mutex
	running  bool
	cancel   func()
	wg       sync.WaitGroup
	lastSeen map[string]bool
}

// NewDiscordNotifier creates a notifier with a real discordgo session.
func NewDiscordNotifier(token, channelID string, bus *tracker.Bus, logger *zap.Logger) (*DiscordNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("discord channel id is required")
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return NewDiscordNotifierWithSession(&realDiscordSession{s: dg}, channelID, bus, logger), nil
}

// NewDiscordNotifierWithSession creates a notifier with an injected session
// (for testing).
func NewDiscordNotifierWithSession(session DiscordSession, channelID string, bus *tracker.Bus, logger *zap.Logger) *DiscordNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DiscordNotifier{
		session:   session,
		channelID: channelID,
		bus:       bus,
		logger:    logger,
		lastSeen:  make(map[string]bool),
	}
}

func (n *DiscordNotifier) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return fmt.Errorf("discord notifier is already running")
	}
	n.mu.Unlock()

	if err := n.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	ch, cancel := n.bus.Subscribe()

	n.mu.Lock()
	n.running = true
	n.cancel = cancel
	n.mu.Unlock()

	n.wg.Add(1)
	go n.consume(ch)

	n.logger.Info("discord notifier started", zap.String("channel_id", n.channelID))
	return nil
}

func (n *DiscordNotifier) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	cancel := n.cancel
	n.mu.Unlock()

	cancel()
	n.wg.Wait()

	if err := n.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}

	n.logger.Info("discord notifier stopped")
	return nil
}

func (n *DiscordNotifier) consume(ch <-chan []tracker.ProgramStatus) {
	defer n.wg.Done()

	for statuses := range ch {
		n.handleStatuses(statuses)
	}
}

func (n *DiscordNotifier) handleStatuses(statuses []tracker.ProgramStatus) {
	n.mu.Lock()
	var flips []tracker.ProgramStatus
	for _, s := range statuses {
		if n.lastSeen[s.ProgramID] != s.IsRunning {
			flips = append(flips, s)
		}
		n.lastSeen[s.ProgramID] = s.IsRunning
	}
	n.mu.Unlock()

	for _, s := range flips {
		embed := stoppedEmbed(s.Name)
		if s.IsRunning {
			embed = startedEmbed(s.Name)
		}
		if _, err := n.session.ChannelMessageSendEmbed(n.channelID, embed); err != nil {
			n.logger.Warn("discord notification failed",
				zap.String("program_id", s.ProgramID),
				zap.Bool("is_running", s.IsRunning),
				zap.Error(err))
		}
	}
}

func startedEmbed(name string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Session Started",
		Description: fmt.Sprintf("**%s** is now running.", name),
		Color:       colorStarted,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

func stoppedEmbed(name string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Session Ended",
		Description: fmt.Sprintf("**%s** stopped.", name),
		Color:       colorStopped,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}
