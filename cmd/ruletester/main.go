// Command ruletester lets an operator paste a JSONPath expression and a
// sample provider payload and see what it resolves to, plus how a
// candidate mapping rule would transform that payload, before promoting
// the rule from "testing" to "active".
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/PaesslerAG/jsonpath"

	"github.com/quotewire/marketdata-gateway/internal/domain"
	"github.com/quotewire/marketdata-gateway/internal/ruleengine"
)

func main() {
	payloadPath := flag.String("payload", "", "path to a sample JSON payload")
	query := flag.String("query", "", "JSONPath expression to preview against the payload, e.g. $.secu_quote[*].last_done")
	rulePath := flag.String("rule", "", "optional path to a candidate MappingRule JSON document to apply against the payload")
	flag.Parse()

	if *payloadPath == "" {
		fmt.Fprintln(os.Stderr, "usage: ruletester -payload sample.json [-query '$.path'] [-rule candidate.json]")
		os.Exit(2)
	}

	raw, err := os.ReadFile(*payloadPath)
	if err != nil {
		fatalf("read payload: %v", err)
	}

	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		fatalf("parse payload: %v", err)
	}

	if *query != "" {
		previewJSONPath(*query, payload)
	}

	if *rulePath != "" {
		previewRule(*rulePath, payload)
	}
}

func previewJSONPath(query string, payload interface{}) {
	result, err := jsonpath.Get(query, payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jsonpath %q failed: %v\n", query, err)
		return
	}
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode jsonpath result: %v\n", err)
		return
	}
	fmt.Printf("jsonpath %q resolves to:\n%s\n\n", query, encoded)
}

func previewRule(rulePath string, payload interface{}) {
	raw, err := os.ReadFile(rulePath)
	if err != nil {
		fatalf("read rule: %v", err)
	}

	var rule domain.MappingRule
	if err := json.Unmarshal(raw, &rule); err != nil {
		fatalf("parse rule: %v", err)
	}

	engine := ruleengine.NewEngine(ruleengine.NewStore())
	records, warnings, err := engine.Apply(&rule, payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "apply rule %q failed: %v\n", rule.ID, err)
		return
	}

	encoded, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		fatalf("encode result: %v", err)
	}
	fmt.Printf("rule %q produces:\n%s\n", rule.ID, encoded)

	for _, w := range warnings {
		fmt.Printf("warning: %s: %s\n", w.Path, w.Message)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
