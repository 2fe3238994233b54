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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.uber.org/zap"

	"github.com/daviszhen/cbo/pkg/util"
)

func init() {
	cobra.OnInitialize(loadConfig)
	initExplainCmd()
}

var testerCfg = util.DefaultConfig()

///root cmd

var info = "tester"
var RootCmd = &cobra.Command{
	Use:          "tester",
	Short:        info,
	Long:         info,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use tester --help or -h")
	},
}

func initDebugOptions() {
	testerCfg.Debug.PrintPlan = viper.GetBool("debug.printPlan")
	testerCfg.Debug.PrintMemo = viper.GetBool("debug.printMemo")
	testerCfg.Debug.PrintRules = viper.GetBool("debug.printRules")
	testerCfg.Debug.CheckMemo = viper.GetBool("debug.checkMemo")
	testerCfg.Debug.ExplainOnly = viper.GetBool("debug.explainOnly")
	if viper.IsSet("debug.logLevel") {
		testerCfg.Debug.LogLevel = viper.GetString("debug.logLevel")
	}
}

func initOptimizerOptions() {
	opts := &testerCfg.Optimizer
	setInt := func(key string, dst *int) {
		if viper.IsSet(key) {
			*dst = viper.GetInt(key)
		}
	}
	setFloat := func(key string, dst *float64) {
		if viper.IsSet(key) {
			*dst = viper.GetFloat64(key)
		}
	}
	setBool := func(key string, dst *bool) {
		if viper.IsSet(key) {
			*dst = viper.GetBool(key)
		}
	}
	setInt("optimizer.max_join_table_dpccp_threshold", &opts.MaxJoinTableDpccpThreshold)
	setInt("optimizer.plan_cache_capacity", &opts.PlanCacheCapacity)
	setInt("optimizer.feedback_capacity", &opts.FeedbackCapacity)
	setFloat("optimizer.ema_alpha", &opts.EmaAlpha)
	setFloat("optimizer.default_selectivity", &opts.DefaultSelectivity)
	setFloat("optimizer.cross_product_penalty", &opts.CrossProductPenalty)
	setBool("optimizer.enable_view_matching", &opts.EnableViewMatching)
	setBool("optimizer.enable_cse", &opts.EnableCSE)
	for key, dst := range map[string]*time.Duration{
		"optimizer.memo_cache_ttl":           &opts.MemoCacheTTL,
		"optimizer.enumeration_budget":       &opts.EnumerationBudget,
		"optimizer.view_staleness_threshold": &opts.ViewStalenessThreshold,
		"optimizer.stats_cache_ttl":          &opts.StatsCacheTTL,
	} {
		if viper.IsSet(key) {
			*dst = viper.GetDuration(key)
		}
	}
	opts.ApplyDefaults()
}

//explain cmd

var explainInfo = "optimize the query of a scenario file and print the plan"
var explainCmd = &cobra.Command{
	Use:   "explain",
	Short: explainInfo,
	Long:  explainInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		initExplainCfg()
		if len(args) > 0 {
			testerCfg.Scenario.Path = args[0]
		}
		return runExplain(cmd.Context(), testerCfg, cmd.OutOrStdout())
	},
}

func initExplainCfg() {
	initDebugOptions()
	initOptimizerOptions()
	testerCfg.Scenario.Path = viper.GetString("scenario.path")
	if err := util.SetLogLevel(testerCfg.Debug.LogLevel); err != nil {
		util.Error("invalid log level",
			zap.String("level", testerCfg.Debug.LogLevel),
			zap.Error(err))
	}
}

func initExplainCmd() {
	RootCmd.AddCommand(explainCmd)
	explainCmd.Flags().StringVar(&testerCfg.Scenario.Path, "scenario", "", "scenario file path")
	explainCmd.Flags().Int("dpccp_threshold", 12, "relation count above which join enumeration goes greedy")
	explainCmd.Flags().Bool("cse", true, "share common subexpressions in the memo")
	explainCmd.Flags().Bool("views", true, "rewrite with materialized views")
	explainCmd.Flags().Bool("print_memo", false, "print the memo after optimization")
	explainCmd.Flags().Bool("print_rules", false, "print the plan after rewrite rules")
	explainCmd.Flags().String("log_level", "warn", "debug, info, warn or error")

	viper.BindPFlag("scenario.path", explainCmd.Flags().Lookup("scenario"))
	viper.BindPFlag("optimizer.max_join_table_dpccp_threshold", explainCmd.Flags().Lookup("dpccp_threshold"))
	viper.BindPFlag("optimizer.enable_cse", explainCmd.Flags().Lookup("cse"))
	viper.BindPFlag("optimizer.enable_view_matching", explainCmd.Flags().Lookup("views"))
	viper.BindPFlag("debug.printMemo", explainCmd.Flags().Lookup("print_memo"))
	viper.BindPFlag("debug.printRules", explainCmd.Flags().Lookup("print_rules"))
	viper.BindPFlag("debug.logLevel", explainCmd.Flags().Lookup("log_level"))
}

var defCfgFilePaths = []string{".", "etc"}
var cfgFileName = "tester.toml"

func loadConfig() {
	has := false
	for _, dirPath := range defCfgFilePaths {
		fpath := filepath.Join(dirPath, cfgFileName)
		if util.FileIsValid(fpath) {
			viper.SetConfigFile(fpath)
			err := viper.ReadInConfig()
			if err != nil {
				util.Error("viper load config file failed",
					zap.String("fpath", fpath),
					zap.Error(err))
				continue
			}
			has = true
			break
		}
	}
	if !has {
		util.Warn("tester.toml does not exist, using defaults")
	}
}

func main() {
	if err := RootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
