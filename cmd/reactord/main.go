// Command reactord is a smoke-test harness, not a production
// deployment surface: it wires reactor systems with the local, journal
// and tcp drivers and a registry Root fed synthetic gate events (no
// directory registry driver), and runs the end-to-end scenarios the
// runtime is expected to satisfy,
// printing a pass/fail line for each.
package main

import (
	"fmt"
	"os"

	"github.com/jbiscella/reacted/internal/config"
	"github.com/jbiscella/reacted/internal/logx"
)

type scenario struct {
	name string
	run  func(log *logx.Logger) error
}

func main() {
	store := config.Load(config.DefaultPath("."), os.Args[1:])
	level := logx.ParseLevel(store.GetString("log.level", "info"))
	log := logx.New("reactord", level)

	scenarios := []scenario{
		{"hello", scenarioHello},
		{"dead-letter", scenarioDeadLetter},
		{"parent-child-stop", scenarioParentChildStop},
		{"journal-replay-safety", scenarioJournalReplaySafety},
		{"registry-upsert-remove", scenarioRegistryUpsertRemove},
		{"local-echo-via-journal", scenarioLocalEchoViaJournal},
	}

	failed := 0
	for _, s := range scenarios {
		if err := s.run(log.With("scenario", s.name)); err != nil {
			fmt.Printf("FAIL %-24s %v\n", s.name, err)
			failed++
			continue
		}
		fmt.Printf("PASS %-24s\n", s.name)
	}

	if failed > 0 {
		os.Exit(1)
	}
}
