package accounts

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"voice-video-workflow/pkg/config"
)

// ErrNoAccountAvailable 当前没有可用账号（全部占用、冷却或停用）
var ErrNoAccountAvailable = errors.New("no account available")

// Outcome 一次任务使用账号后的结果分类
type Outcome int

const (
	// OutcomeSuccess 任务成功，清空该账号的连续失败计数
	OutcomeSuccess Outcome = iota
	// OutcomeTransient 暂时性失败（超时、网络、限流），计入失败
	OutcomeTransient
	// OutcomeFatal 永久性失败（封禁、凭据失效），账号停用
	OutcomeFatal
)

// Account 池中的账号
type Account struct {
	Name        string
	Email       string
	Password    string
	ProfileDir  string
	CookiesFile string

	active        bool
	busy          bool
	failures      int
	cooldownUntil time.Time
	lastUsed      time.Time
	order         int
}

// Pool 账号池，负责轮换、冷却与停用
type Pool struct {
	mu               sync.Mutex
	accounts         []*Account
	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time
	logger           *zap.Logger
}

// NewPool 根据配置创建账号池，只纳入启用的账号
func NewPool(cfgs []config.AccountConfig, poolCfg config.PoolConfig, logger *zap.Logger) *Pool {
	p := &Pool{
		failureThreshold: poolCfg.FailureThreshold,
		cooldown:         poolCfg.CooldownDuration,
		now:              time.Now,
		logger:           logger,
	}
	if p.failureThreshold <= 0 {
		p.failureThreshold = 3
	}

	order := 0
	for _, c := range cfgs {
		if !c.Active {
			continue
		}
		p.accounts = append(p.accounts, &Account{
			Name:        c.Name,
			Email:       c.Email,
			Password:    c.Password,
			ProfileDir:  c.ProfileDir,
			CookiesFile: c.CookiesFile,
			active:      true,
			order:       order,
		})
		order++
	}
	return p
}

// Size 池中账号总数
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// Acquire 借出一个账号。挑选规则：在启用、未占用且不在冷却中的
// 账号里，取最久未使用者；并列时按配置顺序。无可用账号时返回
// ErrNoAccountAvailable。
func (p *Pool) Acquire() (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var pick *Account
	for _, acc := range p.accounts {
		if !acc.active || acc.busy || now.Before(acc.cooldownUntil) {
			continue
		}
		if pick == nil ||
			acc.lastUsed.Before(pick.lastUsed) ||
			(acc.lastUsed.Equal(pick.lastUsed) && acc.order < pick.order) {
			pick = acc
		}
	}
	if pick == nil {
		return nil, ErrNoAccountAvailable
	}

	pick.busy = true
	pick.lastUsed = now
	p.logger.Debug("借出账号", zap.String("account", pick.Name))
	return pick, nil
}

// Release 归还账号并登记本次结果
func (p *Pool) Release(acc *Account, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc.busy = false

	switch outcome {
	case OutcomeSuccess:
		acc.failures = 0
	case OutcomeTransient:
		acc.failures++
		if acc.failures >= p.failureThreshold {
			acc.cooldownUntil = p.now().Add(p.cooldown)
			acc.failures = 0
			p.logger.Warn("账号连续失败进入冷却",
				zap.String("account", acc.Name),
				zap.Time("until", acc.cooldownUntil))
		}
	case OutcomeFatal:
		acc.active = false
		p.logger.Warn("账号被永久停用", zap.String("account", acc.Name))
	}
}

// Available 当前立即可借出的账号数
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := 0
	for _, acc := range p.accounts {
		if acc.active && !acc.busy && !now.Before(acc.cooldownUntil) {
			n++
		}
	}
	return n
}

// Exhausted 全部账号都已停用
func (p *Pool) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, acc := range p.accounts {
		if acc.active {
			return false
		}
	}
	return true
}
