package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"sentinel-kernel/internal/api"
	"sentinel-kernel/internal/audit"
	"sentinel-kernel/internal/chain"
	"sentinel-kernel/internal/channel"
	"sentinel-kernel/internal/config"
	"sentinel-kernel/internal/guard"
	"sentinel-kernel/internal/identity"
	"sentinel-kernel/internal/observability/alerting"
	"sentinel-kernel/internal/policy"
	"sentinel-kernel/internal/quote"
	"sentinel-kernel/internal/quote/amm"
	"sentinel-kernel/internal/session"
	"sentinel-kernel/internal/settlement"
	"sentinel-kernel/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.L().Error("sentineld exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("SENTINEL_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "sentinel.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(logger.Config{Level: "info", Format: "json", OutputPaths: []string{"stdout"}}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if policyPath := os.Getenv("SENTINEL_POLICY"); policyPath != "" {
		policyCfg, err := config.LoadPolicyDocument(policyPath)
		if err != nil {
			return fmt.Errorf("load policy document: %w", err)
		}
		cfg.Policy = config.PolicyConfig{
			MaxTradePercent: float64(policyCfg.MaxTradeBps) / 100,
			MaxSlippageBps:  policyCfg.MaxSlippageBps,
			AllowedDexes:    policyCfg.AllowedDexes,
		}
		for _, a := range policyCfg.AllowedAssets {
			cfg.Policy.AllowedAssets = append(cfg.Policy.AllowedAssets, string(a))
		}
	}

	policyCfg, err := cfg.Policy.ToPolicyConfig()
	if err != nil {
		return fmt.Errorf("build policy config: %w", err)
	}
	engine, err := policy.NewEngine(policyCfg)
	if err != nil {
		return fmt.Errorf("construct policy engine: %w", err)
	}
	logger.L().Info("policy engine ready", "policyHash", engine.Hash().String())

	var chainClient *chain.Client
	if strings.TrimSpace(cfg.Chain.RPCURL) != "" {
		chainClient, err = chain.Dial(ctx, chain.Config{Name: cfg.Chain.Name, RPCURL: cfg.Chain.RPCURL})
		if err != nil {
			return fmt.Errorf("dial chain: %w", err)
		}
		defer chainClient.Close()
	}

	oracle, err := buildOracle(cfg, chainClient)
	if err != nil {
		return fmt.Errorf("build quote oracle: %w", err)
	}

	operatorKey, counterparty, err := loadOperatorIdentity(cfg.Operator)
	if err != nil {
		return fmt.Errorf("load operator identity: %w", err)
	}

	auditLog := audit.NewLog(10_000)
	if strings.TrimSpace(cfg.Audit.MySQLDSN) != "" {
		sink, err := audit.NewMySQLSink(ctx, audit.MySQLSinkConfig{
			DSN:          cfg.Audit.MySQLDSN,
			MaxOpenConns: cfg.Audit.MaxOpenConns,
			MaxIdleConns: cfg.Audit.MaxIdleConns,
		})
		if err != nil {
			return fmt.Errorf("open audit sink: %w", err)
		}
		defer sink.Close()
		auditLog.SetSink(sink)
		auditLog.OnSinkError(func(err error) {
			logger.L().Error("audit sink append failed", "error", err)
		})
	}

	newTransport, transportCloser, err := buildTransportFactory(cfg.Transport)
	if err != nil {
		return fmt.Errorf("build channel transport: %w", err)
	}
	if transportCloser != nil {
		defer transportCloser()
	}

	lock, err := buildLock(cfg.Lock)
	if err != nil {
		return fmt.Errorf("build session lock: %w", err)
	}

	manager, err := session.New(session.Config{
		Engine:               engine,
		Oracle:               oracle,
		Lock:                 lock,
		AuditLog:             auditLog,
		OperatorKey:          operatorKey,
		Counterparty:         counterparty,
		NewTransport:         newTransport,
		DefaultSlippageBps:   policyCfg.MaxSlippageBps,
		DefaultDex:           firstOrEmpty(policyCfg.AllowedDexes),
		MaxActionsPerSession: cfg.Session.MaxActionsPerSession,
		SessionTimeout:       time.Duration(cfg.Session.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("construct session manager: %w", err)
	}

	settlementClient, err := buildSettlementClient(cfg, chainClient, engine)
	if err != nil {
		return fmt.Errorf("build settlement client: %w", err)
	}
	// No email/DingTalk/Slack sender is configured by default; the fanout
	// dispatcher still exercises EventFromError so a future ops config can
	// add a Notifier without any change to the settlement client.
	settlementClient.WithAlerter(alerting.NewFanout())

	resolver, err := buildIdentityResolver(cfg, chainClient)
	if err != nil {
		return fmt.Errorf("build identity resolver: %w", err)
	}
	if local, ok := resolver.(*identity.LocalResolver); ok {
		local.SetAddress("sentinel-kernel.eth", crypto.PubkeyToAddress(operatorKey.PublicKey))
		local.SetText("sentinel-kernel.eth", identity.PolicyHashKey, "0x"+engine.Hash().String())
	}

	server := api.NewServer(cfg.Server.Address, manager, engine, auditLog, settlementClient, cfg.Session.DefaultDepositUSDC)
	server.WithIdentityVerifier(&identity.Verifier{Resolver: resolver}, "sentinel-kernel.eth")

	logger.L().Info("sentineld listening", "address", cfg.Server.Address)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildOracle(cfg *config.Config, chainClient *chain.Client) (quote.Oracle, error) {
	backends := make([]quote.Backend, 0, 2)

	if chainClient != nil && cfg.Contracts.Quoter != "" {
		resolver := func(a policy.Asset) (common.Address, bool) {
			meta, ok := policy.Meta(a)
			if !ok {
				return common.Address{}, false
			}
			return meta.Address, true
		}
		onchain, err := quote.NewOnChainBackend(chainClient, common.HexToAddress(cfg.Contracts.Quoter), resolver)
		if err != nil {
			return nil, err
		}
		backends = append(backends, onchain)
	}

	ammBackend := amm.New()
	ammBackend.SetPool(policy.USDC, policy.ETH, mustBig("5000000000000"), mustBig("2000000000000000000000"))
	backends = append(backends, ammBackend)

	return quote.NewCompositeOracle(backends...)
}

func buildSettlementClient(cfg *config.Config, chainClient *chain.Client, engine *policy.Engine) (*settlement.Client, error) {
	if chainClient != nil && cfg.Contracts.Guard != "" && cfg.Contracts.Vault != "" {
		g, err := guard.NewOnChainGuard(chainClient, common.HexToAddress(cfg.Contracts.Guard))
		if err != nil {
			return nil, err
		}
		v, err := guard.NewOnChainVault(chainClient, common.HexToAddress(cfg.Contracts.Vault))
		if err != nil {
			return nil, err
		}
		return settlement.New(g, v, chainClient), nil
	}

	operatorKey, counterparty, err := loadOperatorIdentity(cfg.Operator)
	if err != nil {
		return nil, err
	}
	_ = counterparty
	usdcMeta, _ := policy.Meta(policy.USDC)
	g := guard.NewLocalGuard(crypto.PubkeyToAddress(operatorKey.PublicKey), guard.PolicyMirror{
		MaxSettlementUSDC: mustBig("1000000000000"),
		MaxSettlementETH:  mustBig("1000000000000000000000"),
		AllowedTokens:     []common.Address{usdcMeta.Address},
		PolicyHash:        [32]byte(engine.Hash()),
	})
	v := guard.NewLocalVault(operatorKey, g)
	if chainClient == nil {
		return settlement.New(g, v, nil), nil
	}
	return settlement.New(g, v, chainClient), nil
}

func buildIdentityResolver(cfg *config.Config, chainClient *chain.Client) (identity.Resolver, error) {
	if chainClient != nil && cfg.Contracts.ENSRegistry != "" {
		return identity.NewOnChainResolver(chainClient, common.HexToAddress(cfg.Contracts.ENSRegistry))
	}
	return identity.NewLocalResolver(), nil
}

func buildLock(cfg config.LockConfig) (session.Lock, error) {
	switch cfg.Driver {
	case "", "memory":
		return session.NewMemoryLock(), nil
	case "redis":
		return session.NewRedisLock(session.RedisLockConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      time.Duration(cfg.TTLMs) * time.Millisecond,
		})
	default:
		return nil, fmt.Errorf("unknown lock driver %q", cfg.Driver)
	}
}

func buildTransportFactory(cfg config.TransportConfig) (func(string) channel.CounterpartyTransport, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return nil, nil, nil
	case "amqp":
		transport, err := channel.NewAMQPTransport(channel.AMQPTransportConfig{
			URL:          cfg.AMQPURL,
			RequestQueue: cfg.RequestQueue,
			ReplyQueue:   cfg.ReplyQueue,
		})
		if err != nil {
			return nil, nil, err
		}
		return func(string) channel.CounterpartyTransport {
			return transport
		}, func() { _ = transport.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport driver %q", cfg.Driver)
	}
}

func loadOperatorIdentity(cfg config.OperatorConfig) (*ecdsa.PrivateKey, common.Address, error) {
	hexKey := strings.TrimSpace(cfg.PrivateKeyHex)
	if hexKey == "" && cfg.PrivateKeyEnv != "" {
		hexKey = strings.TrimSpace(os.Getenv(cfg.PrivateKeyEnv))
	}
	if hexKey == "" {
		return nil, common.Address{}, errors.New("operator private key not configured")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("parse operator private key: %w", err)
	}
	if cfg.CounterpartyAddr == "" {
		return nil, common.Address{}, errors.New("operator counterpartyAddress not configured")
	}
	return key, common.HexToAddress(cfg.CounterpartyAddr), nil
}

func firstOrEmpty(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[0]
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("sentineld: invalid constant " + s)
	}
	return v
}
