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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/daviszhen/cbo/pkg/plan"
	"github.com/daviszhen/cbo/pkg/util"
)

var errNoScenario = errors.New("no scenario file. set scenario.path or pass --scenario")

func runExplain(ctx context.Context, cfg *util.Config, w io.Writer) error {
	if cfg.Scenario.Path == "" {
		return errNoScenario
	}
	sc, err := LoadScenario(cfg.Scenario.Path)
	if err != nil {
		return err
	}
	util.Info("scenario loaded",
		zap.String("name", sc.Name),
		zap.String("path", cfg.Scenario.Path),
		zap.Int("tables", len(sc.Tables)),
		zap.Int("views", len(sc.Views)))
	return runScenario(ctx, cfg, sc, w)
}

func runScenario(ctx context.Context, cfg *util.Config, sc *Scenario, w io.Writer) error {
	stats, err := sc.BuildStats()
	if err != nil {
		return err
	}
	views, err := sc.BuildViews(time.Now())
	if err != nil {
		return err
	}
	query, err := sc.Query.Build()
	if err != nil {
		return err
	}
	if cfg.Debug.PrintRules {
		rewritten, rs := plan.ApplyRules(query)
		fmt.Fprintf(w, "rules: %v\n%v\n", rs, rewritten)
	}

	opt := plan.NewOptimizer(plan.Env{Stats: stats, Views: views}, cfg.Optimizer)
	p, err := opt.Optimize(ctx, query)
	if err != nil {
		return err
	}
	if err = printPlan(cfg, p, w); err != nil {
		return err
	}
	if cfg.Debug.ExplainOnly || len(sc.Executions) == 0 {
		return nil
	}

	for _, exec := range sc.Executions {
		po, ok := p.Operator(exec.Operator)
		if !ok {
			return fmt.Errorf("%w: %d", plan.ErrUnknownOperator, exec.Operator)
		}
		for i := 0; i < max(exec.Repeat, 1); i++ {
			err = opt.ReportExecution(p.Signature, exec.Operator, po.EstimatedRows, exec.Actual)
			if err != nil {
				return err
			}
		}
	}
	for _, ent := range opt.Tracker().Snapshot() {
		fmt.Fprintf(w, "feedback %s correction=%.3f samples=%d\n", ent.Signature, ent.Correction, ent.Samples)
	}
	opt.InvalidateCache()
	p, err = opt.Optimize(ctx, query)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "after feedback:")
	return printPlan(cfg, p, w)
}

func printPlan(cfg *util.Config, p *plan.Plan, w io.Writer) error {
	if cfg.Debug.PrintPlan {
		fmt.Fprintln(w, p.Explain)
	}
	if cfg.Debug.PrintMemo {
		fmt.Fprintln(w, p.Memo)
	}
	//without cse identical subtrees land in separate groups
	if cfg.Debug.CheckMemo && cfg.Optimizer.EnableCSE {
		if dups := p.Memo.DuplicateGroups(); len(dups) > 0 {
			return fmt.Errorf("memo holds duplicate groups %v", dups)
		}
	}
	return nil
}
