package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/tokenledger/internal/config"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	obslogger "github.com/smallbiznis/tokenledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"github.com/smallbiznis/tokenledger/internal/payment/adapters"
	"github.com/smallbiznis/tokenledger/internal/payment/adapters/cryptomus"
	paymentdomain "github.com/smallbiznis/tokenledger/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	Ledger     ledgerdomain.Service
	Adapters   *adapters.Registry
	Rates      *config.RatesHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log              *zap.Logger
	ledger           ledgerdomain.Service
	rates            *config.RatesHolder
	provider         string
	adapter          paymentdomain.PaymentAdapter
	subscriptionDays int
	obsMetrics       *obsmetrics.Metrics
}

func NewService(p Params) (paymentdomain.Service, error) {
	log := p.Log.Named("payment.webhook")

	days := p.Cfg.Billing.SubscriptionDays
	if days <= 0 {
		days = config.DefaultSubscriptionDays
	}

	svc := &Service{
		log:              log,
		ledger:           p.Ledger,
		rates:            p.Rates,
		provider:         cryptomus.ProviderName,
		subscriptionDays: days,
		obsMetrics:       p.ObsMetrics,
	}

	apiKey := strings.TrimSpace(p.Cfg.Payment.CryptomusAPIKey)
	if apiKey == "" {
		log.Warn("payment webhook disabled: processor api key not configured", zap.String("provider", svc.provider))
		return svc, nil
	}
	adapter, err := p.Adapters.NewAdapter(svc.provider, paymentdomain.AdapterConfig{
		Config: map[string]any{
			"api_key":     apiKey,
			"merchant_id": p.Cfg.Payment.CryptomusMerchantID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build %s adapter: %w", svc.provider, err)
	}
	svc.adapter = adapter
	return svc, nil
}

// ApplyPaymentNotification authenticates a processor notification and, for
// paid statuses, credits the package and extends the subscription exactly
// once per payment.
func (s *Service) ApplyPaymentNotification(ctx context.Context, raw []byte, signature string) (*paymentdomain.Result, error) {
	log := obslogger.WithContext(ctx, s.log).With(zap.String("provider", s.provider))

	if s.adapter == nil {
		return nil, paymentdomain.ErrPaymentsDisabled
	}
	if !json.Valid(raw) {
		s.record(ctx, "invalid_payload")
		return nil, paymentdomain.ErrInvalidPayload
	}

	if err := s.adapter.Verify(ctx, raw, signature); err != nil {
		if errors.Is(err, paymentdomain.ErrInvalidSignature) {
			log.Warn("payment notification rejected: invalid signature",
				zap.Bool("security_event", true),
				zap.Int("payload_bytes", len(raw)),
			)
			s.record(ctx, "invalid_signature")
		} else {
			s.record(ctx, "invalid_payload")
		}
		return nil, err
	}

	notification, err := s.adapter.Parse(ctx, raw)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			log.Info("payment notification ignored")
			s.record(ctx, string(paymentdomain.OutcomeIgnored))
			return &paymentdomain.Result{Outcome: paymentdomain.OutcomeIgnored}, nil
		}
		s.record(ctx, "invalid_payload")
		return nil, err
	}

	log = log.With(
		zap.String("payment_id", notification.PaymentID),
		zap.String("order_id", notification.OrderID),
		zap.String("payment_status", string(notification.Status)),
	)

	outcome := notification.Status.Classify()
	if outcome != paymentdomain.OutcomeApplied {
		log.Info("payment notification not applied", zap.String("outcome", string(outcome)))
		s.record(ctx, string(outcome))
		return &paymentdomain.Result{Outcome: outcome}, nil
	}

	order, err := paymentdomain.ParseOrderID(notification.OrderID)
	if err != nil {
		log.Error("paid notification has malformed order id")
		s.record(ctx, "invalid_order")
		return nil, err
	}
	pkg, err := s.FindPackage(order.Package)
	if err != nil {
		log.Error("paid notification references unknown package", zap.String("package", order.Package))
		s.record(ctx, "invalid_order")
		return nil, err
	}

	res, err := s.ledger.ApplyPurchase(ctx, ledgerdomain.SubscriptionPurchase{
		PurchaseRequest: ledgerdomain.PurchaseRequest{
			UserID:            order.UserID,
			Units:             pkg.Units,
			PriceCents:        pkg.PriceCents,
			ExternalReference: notification.ExternalReference(),
			Description:       fmt.Sprintf("%s payment %s package %s", s.provider, notification.PaymentID, pkg.Name),
		},
		Days: s.subscriptionDays,
	})
	if err != nil {
		log.Error("apply purchase failed", zap.String("user_id", order.UserID), zap.Error(err))
		s.record(ctx, "error")
		return nil, err
	}

	result := &paymentdomain.Result{
		Outcome:   paymentdomain.OutcomeApplied,
		UserID:    order.UserID,
		Package:   pkg.Name,
		EntryID:   res.EntryID,
		PaidUntil: res.PaidUntil,
	}
	if !res.Applied {
		result.Outcome = paymentdomain.OutcomeAlreadyApplied
		log.Info("payment notification already applied", zap.String("user_id", order.UserID))
	} else {
		log.Info("payment applied",
			zap.String("user_id", order.UserID),
			zap.String("package", pkg.Name),
			zap.Int64("units", pkg.Units),
		)
	}
	s.record(ctx, string(result.Outcome))
	return result, nil
}

func (s *Service) Packages() []paymentdomain.Package {
	entries := s.rates.Get().Packages
	packages := make([]paymentdomain.Package, 0, len(entries))
	for _, entry := range entries {
		packages = append(packages, paymentdomain.Package{
			Name:       entry.Name,
			Units:      entry.Units,
			PriceCents: entry.PriceCents,
		})
	}
	return packages
}

func (s *Service) FindPackage(name string) (paymentdomain.Package, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, pkg := range s.Packages() {
		if strings.ToLower(pkg.Name) == name {
			return pkg, nil
		}
	}
	return paymentdomain.Package{}, paymentdomain.ErrUnknownPackage
}

func (s *Service) record(ctx context.Context, outcome string) {
	s.obsMetrics.RecordWebhookOutcome(ctx, s.provider, outcome)
}
