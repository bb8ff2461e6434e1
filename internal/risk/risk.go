package risk

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"ctos/internal/config"
	"ctos/internal/driver"
)

// Proposal 描述一次待审批的执行意图。
type Proposal struct {
	Venue      string
	Account    string
	Symbol     string
	Side       driver.Side
	Notional   float64
	Confidence float64
}

// Verdict 为风控评估结果，ApprovedNotional 为允许执行的名义金额。
type Verdict struct {
	Approved         bool
	ApprovedNotional float64
	Notes            []string
}

// Approver 为执行引擎前置的风控闸口。
// 实现方只做裁决，不触达交易所。
type Approver interface {
	Approve(ctx context.Context, p Proposal) (Verdict, error)
}

// Manager 为内置的风控实现：按信心度缩放名义金额并施加硬上限。
type Manager struct {
	cfg    config.RiskConfig
	logger *zap.Logger
}

// NewManager 创建风险管理器。
func NewManager(cfg config.RiskConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Approve 实现 Approver。
// 信心度低于下限直接拒绝；位于区间内按线性比例缩放；超出上限按全额执行。
func (m *Manager) Approve(ctx context.Context, p Proposal) (Verdict, error) {
	verdict := Verdict{Notes: make([]string, 0, 2)}

	if p.Notional <= 0 {
		verdict.Notes = append(verdict.Notes, "名义金额必须为正。")
		return verdict, nil
	}
	if math.IsNaN(p.Notional) || math.IsInf(p.Notional, 0) {
		verdict.Notes = append(verdict.Notes, "名义金额无效。")
		return verdict, nil
	}

	factor := m.confidenceFactor(p.Confidence)
	if factor <= 0 {
		verdict.Notes = append(verdict.Notes,
			fmt.Sprintf("信心度 %.2f 低于下限 %.2f，放弃执行。", p.Confidence, m.cfg.MinConfidence),
		)
		return verdict, nil
	}

	notional := p.Notional * factor
	if factor < 1 {
		verdict.Notes = append(verdict.Notes,
			fmt.Sprintf("按信心度 %.2f 将名义金额缩放至 %.2f。", p.Confidence, notional),
		)
	}

	if notional > m.cfg.MaxNotional {
		verdict.Notes = append(verdict.Notes,
			fmt.Sprintf("名义金额 %.2f 超过上限 %.2f，按上限执行。", notional, m.cfg.MaxNotional),
		)
		notional = m.cfg.MaxNotional
	}

	verdict.Approved = true
	verdict.ApprovedNotional = notional

	m.logger.Info("风控审批通过",
		zap.String("venue", p.Venue),
		zap.String("symbol", p.Symbol),
		zap.String("side", string(p.Side)),
		zap.Float64("requested", p.Notional),
		zap.Float64("approved", notional),
	)
	return verdict, nil
}

func (m *Manager) confidenceFactor(confidence float64) float64 {
	// 未提供信心度时按全额执行，闸口只约束显式给出的低信心意图。
	if confidence <= 0 {
		return 1.0
	}
	if confidence >= m.cfg.ConfidenceFullSize {
		return 1.0
	}
	if confidence < m.cfg.MinConfidence {
		return 0
	}
	span := m.cfg.ConfidenceFullSize - m.cfg.MinConfidence
	if span <= 0 {
		return 1.0
	}
	return (confidence - m.cfg.MinConfidence) / span
}
