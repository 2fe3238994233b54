// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"fmt"
	"time"
)

type OptimizerOptions struct {
	//relation count above which the join enumerator goes greedy
	MaxJoinTableDpccpThreshold int           `tag:"max_join_table_dpccp_threshold"`
	MemoCacheTTL               time.Duration `tag:"memo_cache_ttl"`
	PlanCacheCapacity          int           `tag:"plan_cache_capacity"`
	EmaAlpha                   float64       `tag:"ema_alpha"`
	FeedbackCapacity           int           `tag:"feedback_capacity"`
	EnableViewMatching         bool          `tag:"enable_view_matching"`
	EnableCSE                  bool          `tag:"enable_cse"`
	DefaultSelectivity         float64       `tag:"default_selectivity"`
	EnumerationBudget          time.Duration `tag:"enumeration_budget"`
	ViewStalenessThreshold     time.Duration `tag:"view_staleness_threshold"`
	CrossProductPenalty        float64       `tag:"cross_product_penalty"`
	StatsCacheTTL              time.Duration `tag:"stats_cache_ttl"`
}

type DebugOptions struct {
	PrintPlan   bool   `tag:"printPlan"`
	PrintMemo   bool   `tag:"printMemo"`
	PrintRules  bool   `tag:"printRules"`
	LogLevel    string `tag:"logLevel"`
	CheckMemo   bool   `tag:"checkMemo"`
	ExplainOnly bool   `tag:"explainOnly"`
}

type ScenarioOptions struct {
	Path string `tag:"path"`
}

type Config struct {
	Optimizer OptimizerOptions `tag:"optimizer"`
	Scenario  ScenarioOptions  `tag:"scenario"`
	Debug     DebugOptions     `tag:"debug"`
}

func DefaultOptimizerOptions() OptimizerOptions {
	return OptimizerOptions{
		MaxJoinTableDpccpThreshold: 12,
		MemoCacheTTL:               0,
		PlanCacheCapacity:          1024,
		EmaAlpha:                   0.1,
		FeedbackCapacity:           4096,
		EnableViewMatching:         true,
		EnableCSE:                  true,
		DefaultSelectivity:         0.1,
		EnumerationBudget:          50 * time.Millisecond,
		ViewStalenessThreshold:     0,
		CrossProductPenalty:        10,
		StatsCacheTTL:              0,
	}
}

func DefaultConfig() *Config {
	return &Config{
		Optimizer: DefaultOptimizerOptions(),
		Debug: DebugOptions{
			PrintPlan: true,
			LogLevel:  "warn",
		},
	}
}

// ApplyDefaults fills zero or out of range fields with defaults.
// Durations keep zero since zero means disabled for them.
func (opts *OptimizerOptions) ApplyDefaults() {
	def := DefaultOptimizerOptions()
	if opts.MaxJoinTableDpccpThreshold <= 0 {
		opts.MaxJoinTableDpccpThreshold = def.MaxJoinTableDpccpThreshold
	}
	if opts.MaxJoinTableDpccpThreshold > 63 {
		opts.MaxJoinTableDpccpThreshold = 63
	}
	if opts.PlanCacheCapacity <= 0 {
		opts.PlanCacheCapacity = def.PlanCacheCapacity
	}
	if opts.EmaAlpha <= 0 || opts.EmaAlpha > 1 {
		opts.EmaAlpha = def.EmaAlpha
	}
	if opts.FeedbackCapacity <= 0 {
		opts.FeedbackCapacity = def.FeedbackCapacity
	}
	if opts.DefaultSelectivity <= 0 || opts.DefaultSelectivity > 1 {
		opts.DefaultSelectivity = def.DefaultSelectivity
	}
	if opts.CrossProductPenalty < 1 {
		opts.CrossProductPenalty = def.CrossProductPenalty
	}
	if opts.EnumerationBudget < 0 {
		opts.EnumerationBudget = 0
	}
}

func (opts OptimizerOptions) String() string {
	return fmt.Sprintf("dpccp<=%d cse=%v views=%v alpha=%v defaultSel=%v budget=%v ttl=%v",
		opts.MaxJoinTableDpccpThreshold,
		opts.EnableCSE,
		opts.EnableViewMatching,
		opts.EmaAlpha,
		opts.DefaultSelectivity,
		opts.EnumerationBudget,
		opts.MemoCacheTTL,
	)
}
