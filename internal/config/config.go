package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/satsvault/custodiad/internal/core/application"
	"github.com/satsvault/custodiad/internal/core/ports"
	"github.com/satsvault/custodiad/internal/infrastructure/alertsmanager"
	bitcoindbroadcaster "github.com/satsvault/custodiad/internal/infrastructure/broadcaster/bitcoind"
	"github.com/satsvault/custodiad/internal/infrastructure/db"
	inmemorylivestore "github.com/satsvault/custodiad/internal/infrastructure/live-store/inmemory"
	redislivestore "github.com/satsvault/custodiad/internal/infrastructure/live-store/redis"
	watermillpubsub "github.com/satsvault/custodiad/internal/infrastructure/pubsub/watermill"
	badgerqueue "github.com/satsvault/custodiad/internal/infrastructure/queue/badger"
	timescheduler "github.com/satsvault/custodiad/internal/infrastructure/scheduler/gocron"
	httpsigner "github.com/satsvault/custodiad/internal/infrastructure/signer/http"
)

var (
	supportedDbs = supportedType{
		"badger": {},
	}
	supportedLiveStores = supportedType{
		"inmemory": {},
		"redis":    {},
	}
	supportedNetworks = supportedType{
		"mainnet": {},
		"testnet": {},
		"regtest": {},
	}
)

type Config struct {
	Datadir  string
	LogLevel int

	DbType        string
	DbDir         string
	LiveStoreType string
	RedisUrl      string

	Network         string
	BitcoindRpcAddr string
	BitcoindRpcUser string
	BitcoindRpcPass string
	SignerUrls      []string
	AlertManagerURL string
	ExplorerURL     string

	HubWalletAddress string
	HubWalletPubKey  string
	PoolAddress      string
	IssuerAddress    string

	CsvDelay        int64
	SetupTTL        time.Duration
	WatcherInterval time.Duration

	Visibility      time.Duration
	PollInterval    time.Duration
	MaxDequeueCount int
	WorkerCount     int

	CoinLeaseDuration time.Duration
	PoolLowWatermark  int

	repo        ports.RepoManager
	queue       ports.CommandQueue
	liveStore   ports.LiveStore
	scheduler   ports.SchedulerService
	broadcaster ports.ChainBroadcaster
	notifier    ports.NotificationSink
	eventBus    ports.EventBus
	signers     []ports.ExternalSigner
	net         *chaincfg.Params

	pool     application.OutputPool
	ledger   application.SpentLedger
	fee      application.FeeEstimator
	verifier application.SignatureVerifier
	channels application.ChannelEngine
	pipeline application.Pipeline
	watcher  application.CommitmentWatcher
}

func (c *Config) String() string {
	clone := *c
	if clone.BitcoindRpcPass != "" {
		clone.BitcoindRpcPass = "••••••"
	}
	json, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	defaultDatadir           = defaultAppDataDir()
	defaultLogLevel          = 4
	defaultDbType            = "badger"
	defaultLiveStoreType     = "inmemory"
	defaultNetwork           = "regtest"
	defaultCsvDelay          = 144
	defaultSetupTTL          = 2 * time.Minute
	defaultWatcherInterval   = 30 * time.Second
	defaultVisibility        = 10 * time.Minute
	defaultPollInterval      = time.Second
	defaultMaxDequeueCount   = 5
	defaultWorkerCount       = 1
	defaultCoinLeaseDuration = 5 * time.Minute
	defaultPoolLowWatermark  = 10
	defaultExplorerURL       = "https://blockstream.info"
)

func defaultAppDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./custodiad-data"
	}
	return filepath.Join(home, ".custodiad")
}

// env returns a list of strings prefixed with `CUSTODIAD_`.
// This is used as a syntax sugar for defining env vars.
func env(values ...string) []string {
	envs := make([]string, len(values))

	for i, value := range values {
		envs[i] = fmt.Sprintf("CUSTODIAD_%s", value)
	}

	return envs
}

var (
	Datadir = &cli.StringFlag{
		Usage: "Directory to store data",
		Name:  "datadir", EnvVars: env("DATADIR"),
		Value: defaultDatadir,
	}

	LogLevel = &cli.IntFlag{
		Usage: "Logging level (0-6, where 6 is trace)",
		Name:  "log-level", EnvVars: env("LOG_LEVEL"),
		Value: defaultLogLevel,
	}

	DbType = &cli.StringFlag{
		Usage: "Database type (badger)",
		Name:  "db-type", EnvVars: env("DB_TYPE"),
		Value: defaultDbType,
	}

	LiveStoreType = &cli.StringFlag{
		Usage: "Cache service type (redis, inmemory)",
		Name:  "live-store-type", EnvVars: env("LIVE_STORE_TYPE"),
		Value: defaultLiveStoreType,
	}

	RedisUrl = &cli.StringFlag{
		Usage: "Redis db connection url if CUSTODIAD_LIVE_STORE_TYPE is set to redis",
		Name:  "redis-url", EnvVars: env("REDIS_URL"),
	}

	Network = &cli.StringFlag{
		Usage: "Bitcoin network (mainnet, testnet, regtest)",
		Name:  "network", EnvVars: env("NETWORK"),
		Value: defaultNetwork,
	}

	BitcoindRpcAddr = &cli.StringFlag{
		Usage: "The bitcoind RPC address to connect to in the form host:port",
		Name:  "bitcoind-rpc-addr", EnvVars: env("BITCOIND_RPC_ADDR"),
	}

	BitcoindRpcUser = &cli.StringFlag{
		Usage: "The bitcoind RPC username",
		Name:  "bitcoind-rpc-user", EnvVars: env("BITCOIND_RPC_USER"),
	}

	BitcoindRpcPass = &cli.StringFlag{
		Usage: "The bitcoind RPC password",
		Name:  "bitcoind-rpc-pass", EnvVars: env("BITCOIND_RPC_PASS"),
	}

	SignerUrl = &cli.StringSliceFlag{
		Usage: "Base URL(s) of the external signing service(s), applied in order",
		Name:  "signer-url", EnvVars: env("SIGNER_URL"),
	}

	AlertManagerURL = &cli.StringFlag{
		Usage: "Alert manager URL for operational notifications",
		Name:  "alert-manager-url", EnvVars: env("ALERT_MANAGER_URL"),
	}

	ExplorerURL = &cli.StringFlag{
		Usage: "Block explorer base URL used in alert links",
		Name:  "explorer-url", EnvVars: env("EXPLORER_URL"),
		Value: defaultExplorerURL,
	}

	HubWalletAddress = &cli.StringFlag{
		Usage: "Hub wallet address funding channels and fee output generation",
		Name:  "hub-wallet-address", EnvVars: env("HUB_WALLET_ADDRESS"),
	}

	HubWalletPubKey = &cli.StringFlag{
		Usage: "Hub wallet public key (hex) funding tx signatures are checked against",
		Name:  "hub-wallet-pubkey", EnvVars: env("HUB_WALLET_PUBKEY"),
	}

	PoolAddress = &cli.StringFlag{
		Usage: "Address fee outputs are pre-generated to",
		Name:  "pool-address", EnvVars: env("POOL_ADDRESS"),
	}

	IssuerAddress = &cli.StringFlag{
		Usage: "Address colored-coin issuance is funded from",
		Name:  "issuer-address", EnvVars: env("ISSUER_ADDRESS"),
		DefaultText: "value of `CUSTODIAD_HUB_WALLET_ADDRESS`",
	}

	CsvDelay = &cli.Int64Flag{
		Usage: "Owner spend delay of commitment locked outputs, in blocks",
		Name:  "csv-delay", EnvVars: env("CSV_DELAY"),
		Value: int64(defaultCsvDelay),
	}

	SetupTTL = &cli.DurationFlag{
		Usage: "How long a channel setup round lease lasts before expiring",
		Name:  "setup-ttl", EnvVars: env("SETUP_TTL"),
		Value: defaultSetupTTL,
	}

	WatcherInterval = &cli.DurationFlag{
		Usage: "How often the commitment watcher scans the chain",
		Name:  "watcher-interval", EnvVars: env("WATCHER_INTERVAL"),
		Value: defaultWatcherInterval,
	}

	Visibility = &cli.DurationFlag{
		Usage: "Visibility timeout of leased queue messages",
		Name:  "visibility-timeout", EnvVars: env("VISIBILITY_TIMEOUT"),
		Value: defaultVisibility,
	}

	PollInterval = &cli.DurationFlag{
		Usage: "How long a pipeline worker sleeps when the queue is empty",
		Name:  "poll-interval", EnvVars: env("POLL_INTERVAL"),
		Value: defaultPollInterval,
	}

	MaxDequeueCount = &cli.IntFlag{
		Usage: "Deliveries before a failing command is moved to the poison queue",
		Name:  "max-dequeue-count", EnvVars: env("MAX_DEQUEUE_COUNT"),
		Value: defaultMaxDequeueCount,
	}

	WorkerCount = &cli.IntFlag{
		Usage: "Number of concurrent pipeline workers",
		Name:  "worker-count", EnvVars: env("WORKER_COUNT"),
		Value: defaultWorkerCount,
	}

	CoinLeaseDuration = &cli.DurationFlag{
		Usage: "How long a dequeued pool coin stays leased before reconciliation",
		Name:  "coin-lease-duration", EnvVars: env("COIN_LEASE_DURATION"),
		Value: defaultCoinLeaseDuration,
	}

	PoolLowWatermark = &cli.IntFlag{
		Usage: "Pool size below which a low-pool alert is raised",
		Name:  "pool-low-watermark", EnvVars: env("POOL_LOW_WATERMARK"),
		Value: defaultPoolLowWatermark,
	}
)

var Flags = []cli.Flag{
	Datadir,
	LogLevel,
	DbType,
	LiveStoreType,
	RedisUrl,
	Network,
	BitcoindRpcAddr,
	BitcoindRpcUser,
	BitcoindRpcPass,
	SignerUrl,
	AlertManagerURL,
	ExplorerURL,
	HubWalletAddress,
	HubWalletPubKey,
	PoolAddress,
	IssuerAddress,
	CsvDelay,
	SetupTTL,
	WatcherInterval,
	Visibility,
	PollInterval,
	MaxDequeueCount,
	WorkerCount,
	CoinLeaseDuration,
	PoolLowWatermark,
}

func LoadConfig(c *cli.Context) (*Config, error) {
	if err := initDatadir(c); err != nil {
		return nil, fmt.Errorf("failed to create datadir: %s", err)
	}

	dbPath := filepath.Join(c.String(Datadir.Name), "db")

	var redisUrl string
	if c.String(LiveStoreType.Name) == "redis" {
		redisUrl = c.String(RedisUrl.Name)
		if redisUrl == "" {
			return nil, fmt.Errorf("live store type set to 'redis' but redis url is missing")
		}
	}

	issuerAddress := c.String(IssuerAddress.Name)
	if issuerAddress == "" {
		issuerAddress = c.String(HubWalletAddress.Name)
	}

	return &Config{
		Datadir:           c.String(Datadir.Name),
		LogLevel:          c.Int(LogLevel.Name),
		DbType:            c.String(DbType.Name),
		DbDir:             dbPath,
		LiveStoreType:     c.String(LiveStoreType.Name),
		RedisUrl:          redisUrl,
		Network:           c.String(Network.Name),
		BitcoindRpcAddr:   c.String(BitcoindRpcAddr.Name),
		BitcoindRpcUser:   c.String(BitcoindRpcUser.Name),
		BitcoindRpcPass:   c.String(BitcoindRpcPass.Name),
		SignerUrls:        c.StringSlice(SignerUrl.Name),
		AlertManagerURL:   c.String(AlertManagerURL.Name),
		ExplorerURL:       c.String(ExplorerURL.Name),
		HubWalletAddress:  c.String(HubWalletAddress.Name),
		HubWalletPubKey:   c.String(HubWalletPubKey.Name),
		PoolAddress:       c.String(PoolAddress.Name),
		IssuerAddress:     issuerAddress,
		CsvDelay:          c.Int64(CsvDelay.Name),
		SetupTTL:          c.Duration(SetupTTL.Name),
		WatcherInterval:   c.Duration(WatcherInterval.Name),
		Visibility:        c.Duration(Visibility.Name),
		PollInterval:      c.Duration(PollInterval.Name),
		MaxDequeueCount:   c.Int(MaxDequeueCount.Name),
		WorkerCount:       c.Int(WorkerCount.Name),
		CoinLeaseDuration: c.Duration(CoinLeaseDuration.Name),
		PoolLowWatermark:  c.Int(PoolLowWatermark.Name),
	}, nil
}

func initDatadir(c *cli.Context) error {
	datadir := c.String(Datadir.Name)
	return makeDirectoryIfNotExists(datadir)
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0o755)
	}
	return nil
}

func (c *Config) Validate() error {
	if !supportedDbs.supports(c.DbType) {
		return fmt.Errorf("db type not supported, please select one of: %s", supportedDbs)
	}
	if !supportedLiveStores.supports(c.LiveStoreType) {
		return fmt.Errorf(
			"live store type not supported, please select one of: %s",
			supportedLiveStores,
		)
	}
	if !supportedNetworks.supports(c.Network) {
		return fmt.Errorf(
			"network not supported, please select one of: %s", supportedNetworks,
		)
	}
	if c.BitcoindRpcAddr == "" {
		return fmt.Errorf("missing bitcoind RPC address")
	}
	if c.HubWalletAddress == "" {
		return fmt.Errorf("missing hub wallet address")
	}
	if c.HubWalletPubKey == "" {
		return fmt.Errorf("missing hub wallet public key")
	}
	if c.PoolAddress == "" {
		return fmt.Errorf("missing pool address")
	}
	if c.CsvDelay < 1 {
		return fmt.Errorf("invalid csv delay, must be at least 1 block")
	}
	if c.SetupTTL < time.Second {
		return fmt.Errorf("invalid setup ttl, must be at least 1 second")
	}
	if c.MaxDequeueCount < 1 {
		return fmt.Errorf("invalid max dequeue count, must be at least 1")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("invalid worker count, must be at least 1")
	}

	c.net = networkParams(c.Network)

	if err := c.repoManager(); err != nil {
		return err
	}
	if err := c.commandQueue(); err != nil {
		return err
	}
	if err := c.liveStoreService(); err != nil {
		return err
	}
	if err := c.schedulerService(); err != nil {
		return err
	}
	if err := c.broadcasterService(); err != nil {
		return err
	}
	if err := c.signerServices(); err != nil {
		return err
	}
	if err := c.alertsService(); err != nil {
		return err
	}
	c.eventBus = watermillpubsub.NewEventBus()
	return nil
}

func (c *Config) RepoManager() ports.RepoManager {
	return c.repo
}

func (c *Config) CommandQueue() ports.CommandQueue {
	return c.queue
}

func (c *Config) Scheduler() ports.SchedulerService {
	return c.scheduler
}

func (c *Config) EventBus() ports.EventBus {
	return c.eventBus
}

func (c *Config) OutputPool() application.OutputPool {
	if c.pool == nil {
		c.pool = application.NewOutputPool(
			c.repo, c.broadcaster, c.notifier, c.CoinLeaseDuration, c.PoolLowWatermark,
		)
	}
	return c.pool
}

func (c *Config) SpentLedger() application.SpentLedger {
	if c.ledger == nil {
		c.ledger = application.NewSpentLedger(c.repo)
	}
	return c.ledger
}

func (c *Config) FeeEstimator() application.FeeEstimator {
	if c.fee == nil {
		c.fee = application.NewFeeEstimator(c.repo)
	}
	return c.fee
}

func (c *Config) SignatureVerifier() application.SignatureVerifier {
	if c.verifier == nil {
		c.verifier = application.NewSignatureVerifier(c.broadcaster)
	}
	return c.verifier
}

func (c *Config) ChannelEngine() application.ChannelEngine {
	if c.channels == nil {
		c.channels = application.NewChannelEngine(
			c.repo, c.liveStore, c.broadcaster, c.eventBus,
			c.OutputPool(), c.SpentLedger(), c.FeeEstimator(), c.SignatureVerifier(),
			c.net, c.CsvDelay, c.HubWalletAddress, c.HubWalletPubKey, c.SetupTTL,
		)
	}
	return c.channels
}

func (c *Config) Pipeline() application.Pipeline {
	if c.pipeline == nil {
		c.pipeline = application.NewPipeline(
			c.queue, c.repo, c.OutputPool(), c.SpentLedger(), c.FeeEstimator(),
			c.SignatureVerifier(), c.signers, c.broadcaster, c.eventBus, c.notifier,
			c.net, application.PipelineConfig{
				Visibility:      c.Visibility,
				MaxDequeueCount: c.MaxDequeueCount,
				PollInterval:    c.PollInterval,
				WorkerCount:     c.WorkerCount,
				WalletAddress:   c.HubWalletAddress,
				PoolAddress:     c.PoolAddress,
				IssuerAddress:   c.IssuerAddress,
			},
		)
	}
	return c.pipeline
}

func (c *Config) CommitmentWatcher() application.CommitmentWatcher {
	if c.watcher == nil {
		c.watcher = application.NewCommitmentWatcher(
			c.repo, c.broadcaster, c.eventBus, c.notifier, c.scheduler,
			c.FeeEstimator(), c.net, c.CsvDelay, c.WatcherInterval,
		)
	}
	return c.watcher
}

func (c *Config) repoManager() error {
	var dataStoreConfig []interface{}
	logger := log.New()

	switch c.DbType {
	case "badger":
		dataStoreConfig = []interface{}{c.DbDir, logger}
	default:
		return fmt.Errorf("unknown db type")
	}

	svc, err := db.NewService(db.ServiceConfig{
		DataStoreType:   c.DbType,
		DataStoreConfig: dataStoreConfig,
	})
	if err != nil {
		return err
	}

	c.repo = svc
	return nil
}

func (c *Config) commandQueue() error {
	queueDir := ""
	if c.DbDir != "" {
		queueDir = filepath.Join(c.DbDir, "queue")
	}
	svc, err := badgerqueue.NewCommandQueue(queueDir, log.New())
	if err != nil {
		return err
	}

	c.queue = svc
	return nil
}

func (c *Config) liveStoreService() error {
	var liveStoreSvc ports.LiveStore
	var err error
	switch c.LiveStoreType {
	case "inmemory":
		liveStoreSvc = inmemorylivestore.NewLiveStore()
	case "redis":
		liveStoreSvc, err = redislivestore.NewLiveStore(c.RedisUrl)
	default:
		err = fmt.Errorf("unknown live store type")
	}
	if err != nil {
		return err
	}

	c.liveStore = liveStoreSvc
	return nil
}

func (c *Config) schedulerService() error {
	c.scheduler = timescheduler.NewScheduler()
	return nil
}

func (c *Config) broadcasterService() error {
	svc, err := bitcoindbroadcaster.NewChainBroadcaster(
		c.BitcoindRpcAddr, c.BitcoindRpcUser, c.BitcoindRpcPass, c.net,
	)
	if err != nil {
		return err
	}

	c.broadcaster = svc
	return nil
}

func (c *Config) signerServices() error {
	signers := make([]ports.ExternalSigner, 0, len(c.SignerUrls))
	for _, signerUrl := range c.SignerUrls {
		svc, err := httpsigner.NewExternalSigner(signerUrl)
		if err != nil {
			return err
		}
		signers = append(signers, svc)
	}

	c.signers = signers
	return nil
}

func (c *Config) alertsService() error {
	c.notifier = alertsmanager.NewService(c.AlertManagerURL, c.ExplorerURL)
	return nil
}

func networkParams(network string) *chaincfg.Params {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams
	case "testnet":
		return &chaincfg.TestNet3Params
	default:
		return &chaincfg.RegressionNetParams
	}
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	return strings.Join(types, " | ")
}

func (t supportedType) supports(typeStr string) bool {
	_, ok := t[typeStr]
	return ok
}
