// Command aox is the archive server: it ingests RFC 5322 messages into a
// relational store and serves that store to IMAP, POP3, SMTP, ManageSieve
// and HTTP front-ends, which share one event loop and one storage
// substrate.
//
// Usage:
//
//	aox serve [configfile]
//	aox undelete [-n] [-v] <mailbox> uid <set> | all
//	aox sort <mailbox> <key[,key...]> uid <set> | all
//	aox config describe
//	aox hashpassword <password>
package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aoxmail/aox/config"
	"github.com/aoxmail/aox/dbq"
	"github.com/aoxmail/aox/eventloop"
	"github.com/aoxmail/aox/mlog"
	"github.com/aoxmail/aox/search"
	"github.com/aoxmail/aox/store"
)

var xlog = mlog.New("main")

const defaultConfig = "/etc/aox/aox.conf"

var commands = map[string]func(args []string){
	"serve":        cmdServe,
	"undelete":     cmdUndelete,
	"sort":         cmdSort,
	"config":       cmdConfig,
	"hashpassword": cmdHashPassword,
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: aox serve [configfile]")
	fmt.Fprintln(os.Stderr, "       aox undelete [-n] [-v] <mailbox> uid <set> | all")
	fmt.Fprintln(os.Stderr, "       aox sort <mailbox> <key[,key...]> uid <set> | all")
	fmt.Fprintln(os.Stderr, "       aox config describe")
	fmt.Fprintln(os.Stderr, "       aox hashpassword <password>")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		usage()
	}
	cmd(os.Args[2:])
}

// fail prints a single diagnostic line and exits non-zero.
func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "aox: "+format+"\n", args...)
	os.Exit(1)
}

func loadConfig(args []string) config.Static {
	path := defaultConfig
	if len(args) > 0 {
		path = args[0]
	}
	c, err := config.Load(path)
	if err != nil {
		fail("%s", err)
	}
	return c
}

func cmdServe(args []string) {
	c := loadConfig(args)

	loop, err := eventloop.New()
	if err != nil {
		fail("creating event loop: %s", err)
	}
	loop.SetStartup(true)

	pool, err := dbq.Open(c.DSN(), c.DB.MaxConns, loop.Post)
	if err != nil {
		fail("%s", err)
	}

	listener := dbq.NewListener(c.DSN(), loop.Post, func(channel, payload string) {
		store.HandleNotification(pool, channel)
	})
	for _, ch := range []string{"flag_names_extended", "field_names_extended", "annotation_names_extended", "obliterated"} {
		if err := listener.Listen(ch); err != nil {
			fail("listen %s: %s", ch, err)
		}
	}

	registry := store.NewRegistry(pool)
	loop.Post(func() {
		store.FlagNames.Reload(pool)
		store.FieldNames.Reload(pool)
		store.AnnotationNames.Reload(pool)
		registry.Refresh(nil, func() {
			xlog.Print("mailboxes loaded, accepting connections")
			loop.SetStartup(false)
		})
	})

	if c.Listen.Metrics != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(c.Listen.Metrics, mux); err != nil {
				xlog.Errorx("metrics listener", err)
			}
		}()
	}

	xlog.Print("starting", mlog.Field("db", c.DB.Name))
	loop.Run()
}

func cmdUndelete(args []string) {
	dryRun := false
	verbose := false
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		switch args[0] {
		case "-n":
			dryRun = true
		case "-v":
			verbose = true
		default:
			usage()
		}
		args = args[1:]
	}
	if len(args) < 2 {
		usage()
	}
	mailbox := args[0]
	sel, err := parseSelectorArgs(args[1:])
	if err != nil {
		fail("%s", err)
	}

	c := loadConfig(nil)
	loop, err := eventloop.New()
	if err != nil {
		fail("creating event loop: %s", err)
	}
	pool, err := dbq.Open(c.DSN(), 1, loop.Post)
	if err != nil {
		fail("%s", err)
	}

	registry := store.NewRegistry(pool)
	var u *store.Undelete
	loop.Post(func() {
		registry.Refresh(nil, func() {
			u = store.NewUndelete(registry, mailbox, sel, func() {
				loop.Stop()
			})
			u.DryRun = dryRun
			u.Verbose = verbose
			u.Out = func(line string) { fmt.Println("aox: " + line) }
			u.Execute()
		})
	})
	loop.Run()

	if u == nil || u.Err() != nil {
		if u != nil {
			fail("%s", u.Err())
		}
		fail("undelete did not run")
	}
}

func cmdSort(args []string) {
	if len(args) < 3 {
		usage()
	}
	mailbox := args[0]
	srt, err := parseSortKeys(args[1])
	if err != nil {
		fail("%s", err)
	}
	sel, err := parseSelectorArgs(args[2:])
	if err != nil {
		fail("%s", err)
	}

	c := loadConfig(nil)
	loop, err := eventloop.New()
	if err != nil {
		fail("creating event loop: %s", err)
	}
	pool, err := dbq.Open(c.DSN(), 1, loop.Post)
	if err != nil {
		fail("%s", err)
	}

	registry := store.NewRegistry(pool)
	var sorter *store.Sorter
	loop.Post(func() {
		registry.Refresh(nil, func() {
			mb := registry.Find(mailbox, false)
			if mb == nil {
				fail("no such mailbox: %s", mailbox)
			}
			sorter = store.NewSorter(mb, sel, srt, 0, pool, func() {
				loop.Stop()
			})
			sorter.Execute()
		})
	})
	loop.Run()

	if sorter == nil || sorter.Err() != nil {
		if sorter != nil {
			fail("%s", sorter.Err())
		}
		fail("sort did not run")
	}
	line := "SORT"
	for _, uid := range sorter.UIDs() {
		line += fmt.Sprintf(" %d", uid)
	}
	fmt.Println(line)
}

// parseSortKeys understands a comma-separated key list; each key is one
// of arrival, cc, date, from, size, subject, to, optionally prefixed
// with "reverse-".
func parseSortKeys(s string) (*search.Sort, error) {
	byName := map[string]search.SortCriterion{
		"arrival": search.SortArrival,
		"cc":      search.SortCc,
		"date":    search.SortDate,
		"from":    search.SortFrom,
		"size":    search.SortSize,
		"subject": search.SortSubject,
		"to":      search.SortTo,
	}
	var keys []search.SortKey
	for _, part := range strings.Split(strings.ToLower(s), ",") {
		reverse := false
		if rest, ok := strings.CutPrefix(part, "reverse-"); ok {
			reverse = true
			part = rest
		}
		c, ok := byName[part]
		if !ok {
			return nil, fmt.Errorf("unknown sort key %q", part)
		}
		keys = append(keys, search.SortKey{Criterion: c, Reverse: reverse})
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no sort keys")
	}
	return search.NewSort(keys...), nil
}

// parseSelectorArgs understands the command-line search forms: "all", or
// "uid <set>" with an IMAP-style sequence set.
func parseSelectorArgs(args []string) (*search.Selector, error) {
	switch strings.ToLower(args[0]) {
	case "all":
		return search.NewAll(), nil
	case "uid":
		if len(args) < 2 {
			return nil, fmt.Errorf("uid needs a set")
		}
		set, err := parseUIDSet(args[1])
		if err != nil {
			return nil, err
		}
		return search.NewUIDSet(set), nil
	}
	return nil, fmt.Errorf("unknown search: %s", strings.Join(args, " "))
}

func parseUIDSet(s string) (*search.UIDSet, error) {
	set := &search.UIDSet{}
	for _, part := range strings.Split(s, ",") {
		lo, hi, found := strings.Cut(part, ":")
		a, err := strconv.ParseUint(lo, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad uid %q", lo)
		}
		b := a
		if found {
			b, err = strconv.ParseUint(hi, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("bad uid %q", hi)
			}
		}
		set.AddRange(uint32(a), uint32(b))
	}
	return set, nil
}

func cmdConfig(args []string) {
	if len(args) != 1 || args[0] != "describe" {
		usage()
	}
	fmt.Print(config.Describe())
}

func cmdHashPassword(args []string) {
	if len(args) != 1 {
		usage()
	}
	h, err := store.HashSecret(args[0])
	if err != nil {
		fail("%s", err)
	}
	fmt.Println(h)
}
