package matcher

import "math"

// Policy 是可调的排序策略。关键词重合度是主导项，流行度加成有上限，
// 保证模板不能仅凭使用量压过关键词匹配明显更好的模板。
type Policy struct {
	// Threshold 低于该分数的候选被丢弃。
	Threshold float64 `mapstructure:"threshold"`
	// BoostWeight 是流行度加成的最大绝对值。
	BoostWeight float64 `mapstructure:"boost_weight"`
	// MaxBoostShare 是加成在总分中的最大占比。
	MaxBoostShare float64 `mapstructure:"max_boost_share"`
	// UsageSaturation 是使用次数的饱和点，超过后不再增加加成。
	UsageSaturation int `mapstructure:"usage_saturation"`
	// SuccessWeight 是成功率在流行度中的权重，其余权重给使用次数。
	SuccessWeight float64 `mapstructure:"success_weight"`
}

// DefaultPolicy 返回默认策略。
func DefaultPolicy() Policy {
	return Policy{
		Threshold:       0.3,
		BoostWeight:     0.3,
		MaxBoostShare:   0.3,
		UsageSaturation: 1000,
		SuccessWeight:   0.5,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.Threshold <= 0 || p.Threshold > 1 {
		p.Threshold = def.Threshold
	}
	if p.BoostWeight < 0 {
		p.BoostWeight = 0
	}
	if p.MaxBoostShare < 0 || p.MaxBoostShare >= 1 {
		p.MaxBoostShare = def.MaxBoostShare
	}
	if p.UsageSaturation <= 0 {
		p.UsageSaturation = def.UsageSaturation
	}
	if p.SuccessWeight < 0 || p.SuccessWeight > 1 {
		p.SuccessWeight = def.SuccessWeight
	}
	return p
}

// Popularity 把使用次数与成功率混合为 [0,1] 的流行度。
func (p Policy) Popularity(usage int, successRate float64) float64 {
	if usage < 0 {
		usage = 0
	}
	usageTerm := math.Log1p(float64(usage)) / math.Log1p(float64(p.UsageSaturation))
	usageTerm = math.Min(1, usageTerm)
	success := math.Max(0, math.Min(1, successRate))
	return p.SuccessWeight*success + (1-p.SuccessWeight)*usageTerm
}

// Boost 返回有上限的流行度加成：boost/(overlap+boost) 不超过 MaxBoostShare。
func (p Policy) Boost(overlap float64, usage int, successRate float64) float64 {
	if overlap <= 0 {
		return 0
	}
	ceiling := p.MaxBoostShare / (1 - p.MaxBoostShare) * overlap
	return math.Min(p.BoostWeight*p.Popularity(usage, successRate), ceiling)
}

// Score 返回 [0,1] 的相关度分数，四舍五入到 4 位小数以保证排序可复现。
func (p Policy) Score(overlap float64, usage int, successRate float64) (score, boost float64) {
	boost = p.Boost(overlap, usage, successRate)
	score = math.Min(1, overlap+boost)
	return round4(score), round4(boost)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
