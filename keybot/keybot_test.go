package keybot

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testGuildID      = "200000000000000001"
	testOtherGuildID = "200000000000000002"
)

var testInteractionSeq atomic.Int64

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbPath := filepath.Join(tmpdir, "test.sqlite3")
	db, err := CreateDB(context.Background(), dbTypeSQLite, dbPath)
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	t.Cleanup(
		func() {
			sqlDB, dbErr := db.DB()
			if dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

// newTestKeyStore returns a KeyStore backed by a fresh sqlite database,
// with a one hour claim cooldown
func newTestKeyStore(t testing.TB) *KeyStore {
	t.Helper()
	db := setupTestDB(t)
	return NewKeyStore(
		NewDatabase(db, nil, false),
		nil,
		time.Hour,
		slog.New(tint.NewHandler(defaultLogWriter, &tint.Options{Level: slog.LevelWarn})),
	)
}

// newTestKeyBot returns a KeyBot with an initialized database and a mock
// discord session. New sets package-level loggers, so tests using this
// shouldn't run in parallel.
func newTestKeyBot(t testing.TB, cfg *Config) (*KeyBot, *mockDiscordSession) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultTestConfig(t)
	}
	k, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession()
	k.discord.session = session

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StartupTimeout)
	defer cancel()
	require.NoError(t, k.initDB(ctx))

	t.Cleanup(
		func() {
			sqlDB, dbErr := k.db.DB()
			if dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return k, session
}

// addTestKey adds a key as the given member, failing the test on error
func addTestKey(
	t testing.TB,
	s *KeyStore,
	member MemberInfo,
	token string,
	gameName string,
) *AddKeyResult {
	t.Helper()
	result, err := s.AddKey(context.Background(), member, token, gameName, false)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

// shareTestGuild shares the member's keys with the guild, failing the
// test on error
func shareTestGuild(t testing.TB, s *KeyStore, member MemberInfo, guildID string) {
	t.Helper()
	_, err := s.ShareGuild(context.Background(), member, guildID)
	require.NoError(t, err)
}

func generateDiscordKey(t testing.TB) (publicKey string, privateKey ed25519.PrivateKey) {
	t.Helper()
	pubkey, privkey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("error generating key pair: %v", err)
	}
	return hex.EncodeToString(pubkey), privkey
}

// newDiscordUser creates a new discordgo.User with an ID unique to the
// test, and a username based on the test name
func newDiscordUser(t testing.TB) *discordgo.User {
	t.Helper()
	id := fmt.Sprintf("3%017d", testInteractionSeq.Add(1))
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return &discordgo.User{
		ID:         id,
		Username:   fmt.Sprintf("u_%s", name),
		GlobalName: fmt.Sprintf("g_%s", name),
	}
}

func stringOption(name string, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

// intOption returns an integer option. Values are float64, the same as
// when decoded from JSON.
func intOption(name string, value int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

// newCommandInteraction creates a slash command interaction from the
// user. If guildID is empty, the interaction is a DM.
func newCommandInteraction(
	t testing.TB,
	u *discordgo.User,
	guildID string,
	command string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	t.Helper()
	seq := testInteractionSeq.Add(1)
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        fmt.Sprintf("4%017d", seq),
			AppID:     "100000000000000001",
			Type:      discordgo.InteractionApplicationCommand,
			ChannelID: fmt.Sprintf("5%017d", seq),
			GuildID:   guildID,
			Token:     fmt.Sprintf("token-%d", seq),
			Data: discordgo.ApplicationCommandInteractionData{
				ID:          fmt.Sprintf("6%017d", seq),
				Name:        command,
				CommandType: discordgo.ChatApplicationCommand,
				Options:     options,
			},
		},
	}
	if guildID == "" {
		i.User = u
		i.Context = discordgo.InteractionContextBotDM
	} else {
		i.Member = &discordgo.Member{User: u, GuildID: guildID}
		i.Context = discordgo.InteractionContextGuild
	}
	return i
}

func newPingInteraction(t testing.TB) *discordgo.InteractionCreate {
	t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:    fmt.Sprintf("7%017d", testInteractionSeq.Add(1)),
			AppID: "100000000000000001",
			Type:  discordgo.InteractionPing,
		},
	}
}

// mockInteractionHandler is an InteractionHandler recording calls with
// testify's mock. By default, every call succeeds.
type mockInteractionHandler struct {
	mock.Mock
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func newMockInteractionHandler(i *discordgo.InteractionCreate) *mockInteractionHandler {
	m := &mockInteractionHandler{
		interaction: i,
		logger: slog.New(
			tint.NewHandler(defaultLogWriter, &tint.Options{Level: slog.LevelWarn}),
		),
	}
	m.On("Respond", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("Edit", mock.Anything, mock.Anything).Return(&discordgo.Message{}, nil).Maybe()
	m.On("Followup", mock.Anything, mock.Anything).Return(&discordgo.Message{}, nil).Maybe()
	m.On("Delete", mock.Anything).Return().Maybe()
	return m
}

func (m *mockInteractionHandler) Respond(
	ctx context.Context,
	i *discordgo.InteractionResponse,
) error {
	args := m.Called(ctx, i)
	return args.Error(0)
}

func (m *mockInteractionHandler) Edit(
	ctx context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	args := m.Called(ctx, e)
	msg, _ := args.Get(0).(*discordgo.Message)
	return msg, args.Error(1)
}

func (m *mockInteractionHandler) Followup(
	ctx context.Context,
	params *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	args := m.Called(ctx, params)
	msg, _ := args.Get(0).(*discordgo.Message)
	return msg, args.Error(1)
}

func (m *mockInteractionHandler) Delete(ctx context.Context, _ ...discordgo.RequestOption) {
	m.Called(ctx)
}

func (m *mockInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return m.interaction
}

func (*mockInteractionHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return "test"
}

func (m *mockInteractionHandler) Logger() *slog.Logger {
	return m.logger
}

// responses returns the arguments of each Respond call
func (m *mockInteractionHandler) responses() []*discordgo.InteractionResponse {
	var responses []*discordgo.InteractionResponse
	for _, call := range m.Calls {
		if call.Method == "Respond" {
			responses = append(responses, call.Arguments.Get(1).(*discordgo.InteractionResponse))
		}
	}
	return responses
}

// editedEmbeds returns the embeds from the last Edit call
func (m *mockInteractionHandler) editedEmbeds(t testing.TB) []*discordgo.MessageEmbed {
	t.Helper()
	var edit *discordgo.WebhookEdit
	for _, call := range m.Calls {
		if call.Method == "Edit" {
			edit = call.Arguments.Get(1).(*discordgo.WebhookEdit)
		}
	}
	require.NotNil(t, edit, "expected the response to be edited")
	require.NotNil(t, edit.Embeds)
	return *edit.Embeds
}

// followups returns the arguments of each Followup call
func (m *mockInteractionHandler) followups() []*discordgo.WebhookParams {
	var params []*discordgo.WebhookParams
	for _, call := range m.Calls {
		if call.Method == "Followup" {
			params = append(params, call.Arguments.Get(1).(*discordgo.WebhookParams))
		}
	}
	return params
}

// mockDiscordSession is a mock implementation of the DiscordSessionHandler
// interface. It logs actions instead of performing actual operations,
// and records the calls tests need to check.
type mockDiscordSession struct {
	logger   *slog.Logger
	logLevel *slog.LevelVar

	mu            sync.Mutex
	opened        int
	closed        int
	statuses      []string
	identify      discordgo.Identify
	responses     []*discordgo.InteractionResponse
	edits         []*discordgo.WebhookEdit
	followups     []*discordgo.WebhookParams
	commands      []*discordgo.ApplicationCommand
	guildNames    map[string]string
	bulkOverwrite func() error
}

func newMockDiscordSession() *mockDiscordSession {
	m := &mockDiscordSession{
		logLevel:   &slog.LevelVar{},
		guildNames: map[string]string{},
	}
	m.logLevel.Set(slog.LevelWarn)
	m.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     m.logLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord_session_handler")
	return m
}

func (d *mockDiscordSession) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened++
	d.logger.Info("opened session")
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	d.logger.Info("closed session")
	return nil
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info(
		"overwrite application commands",
		"app_id", appID,
		"guild_id", guildID,
		"commands", len(commands),
	)
	if d.bulkOverwrite != nil {
		if err := d.bulkOverwrite(); err != nil {
			return nil, err
		}
	}
	cmds := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		cmds[i] = &discordgo.ApplicationCommand{
			ID:          fmt.Sprintf("%d", i+1),
			Name:        c.Name,
			Description: c.Description,
		}
	}
	d.commands = cmds
	return cmds, nil
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses = append(d.statuses, status)
	d.logger.Info("updating custom status", "status", status)
	return nil
}

func (d *mockDiscordSession) AddHandler(_ any) func() {
	d.logger.Info("added handler")
	return func() {
		d.logger.Info("mock-removed handler function")
	}
}

func (d *mockDiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = append(d.responses, resp)
	d.logger.Info("mock responding to interaction", "interaction_id", interaction.ID)
	return nil
}

func (d *mockDiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.edits = append(d.edits, newresp)
	d.logger.Info("mock editing interaction", "interaction_id", interaction.ID)
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) error {
	d.logger.Info("mock deleting interaction", "interaction_id", interaction.ID)
	return nil
}

func (d *mockDiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.followups = append(d.followups, data)
	d.logger.Info("mock followup", "interaction_id", interaction.ID)
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) Guild(
	guildID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, ok := d.guildNames[guildID]
	if !ok {
		return nil, fmt.Errorf("unknown guild %s", guildID)
	}
	return &discordgo.Guild{ID: guildID, Name: name}, nil
}

func (d *mockDiscordSession) SetHTTPClient(_ *http.Client) {
	d.logger.Info("mock setting http client")
}

func (d *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identify = i
}

func (d *mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	d.logLevel.Set(lvl)
	return nil
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database type")

	cfg = DefaultTestConfig(t)
	cfg.Discord = nil
	_, err = New(cfg)
	require.Error(t, err)

	cfg = DefaultTestConfig(t)
	cfg.Discord.WebhookServer.PublicKey = "abcd"
	_, err = New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public key")
}

func TestNew_DefaultAPIConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.API = nil
	k, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, k.api)
	assert.NotNil(t, cfg.API)
	assert.Nil(t, k.Store())
}

func TestKeyBot_Run(t *testing.T) {
	cfg := DefaultTestConfig(t)
	k, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession()
	k.discord.session = session

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, k.Run(ctx))
	require.NotNil(t, k.Store())
	t.Cleanup(
		func() {
			sqlDB, dbErr := k.db.DB()
			if dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Equal(t, 1, session.opened)
	assert.Equal(t, 1, session.closed)
	assert.Equal(t, []string{DefaultDiscordCustomStatus}, session.statuses)
	assert.Equal(t, cfg.Discord.GatewayIntents, session.identify.Intents)
	assert.Len(t, session.commands, len(k.discord.appCommands(k.parser())))
}

func TestKeyBot_RunRegisterCommandsError(t *testing.T) {
	cfg := DefaultTestConfig(t)
	k, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession()
	session.bulkOverwrite = func() error {
		return fmt.Errorf("registration failed")
	}
	k.discord.session = session

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = k.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registration failed")

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Equal(t, 0, session.opened)
	t.Cleanup(
		func() {
			sqlDB, dbErr := k.db.DB()
			if dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)
}

func TestKeyBot_RunInvalidConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = ""
	k, err := New(cfg)
	require.NoError(t, err)
	k.discord.session = newMockDiscordSession()

	err = k.Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, k.Store())
}

func TestKeyBot_ShutdownWaitsForInteractions(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.ShutdownTimeout = 100 * time.Millisecond
	k, _ := newTestKeyBot(t, cfg)

	// an interaction that never finishes
	k.inflight.Add(1)
	t.Cleanup(k.inflight.Done)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := k.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutdown timeout")
}

func TestKeyBot_RegisterSlashCommands(t *testing.T) {
	k, session := newTestKeyBot(t, nil)

	created, err := k.RegisterSlashCommands()
	require.NoError(t, err)

	var names []string
	for _, c := range created {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(
		t,
		[]string{
			DiscordSlashCommandAdd,
			DiscordSlashCommandRemove,
			DiscordSlashCommandSearch,
			DiscordSlashCommandBrowse,
			DiscordSlashCommandShare,
			DiscordSlashCommandUnshare,
			DiscordSlashCommandClaim,
			DiscordSlashCommandMyKeys,
		},
		names,
	)
	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Len(t, session.commands, len(created))
}

func TestHandleRecover(t *testing.T) {
	k, _ := newTestKeyBot(t, nil)
	ctx := WithLogger(context.Background(), k.logger)

	for _, rc := range []any{
		fmt.Errorf("an error"),
		"a string",
		42,
	} {
		assert.NotPanics(
			t, func() {
				k.handleRecover(ctx, rc)
			},
		)
	}
}
