package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ergochat/readline"

	"github.com/netplay-go/netplay"
	"github.com/netplay-go/netplay/component"
	"github.com/netplay-go/netplay/sim"
	"github.com/netplay-go/netplay/world"
)

const kindPos world.Kind = 1

type position struct {
	X, Y float64
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("listen"),
	readline.PcItem("connect"),
	readline.PcItem("spawn"),
	readline.PcItem("move"),
	readline.PcItem("show"),
	readline.PcItem("stats"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

var ErrBadArgs = errors.New("bad arguments")

// node is the demo wrapper around a replica: a flat list of the entities
// spawned from this prompt, all in replication group 1.
type node struct {
	replica  *netplay.Replica
	entities []world.Entity
}

func newNode(role netplay.Role, peer string) (*node, error) {
	reg := component.NewRegistry()
	err := component.Register[position](reg, kindPos, "position",
		component.WithLerp[position](func(from, to position, f float64) position {
			return position{
				X: from.X + (to.X-from.X)*f,
				Y: from.Y + (to.Y-from.Y)*f,
			}
		}))
	if err != nil {
		return nil, err
	}

	n := &node{}
	n.replica, err = netplay.NewReplica(netplay.Options{
		Role:      role,
		LocalPeer: peer,
		Registry:  reg,
		World:     world.NewDonburiWorld(),
	}, func(sim.Tick, []byte) {})
	return n, err
}

func (n *node) spawn(x, y float64) world.Entity {
	e := n.replica.World().Spawn()
	n.replica.World().Insert(e, kindPos, position{X: x, Y: y})
	n.replica.Sender().QueueSpawn(1, e, map[world.Kind]any{kindPos: position{X: x, Y: y}}, 0)
	n.entities = append(n.entities, e)
	return e
}

func (n *node) move(e world.Entity, x, y float64) {
	n.replica.World().Insert(e, kindPos, position{X: x, Y: y})
	n.replica.Sender().QueueUpdate(1, e, kindPos, position{X: x, Y: y})
}

func (n *node) show(w io.Writer) {
	for _, e := range n.entities {
		if v, ok := n.replica.World().Get(e, kindPos); ok {
			p := v.(position)
			_, _ = fmt.Fprintf(w, "#%d\t(%g, %g)\n", uint64(e), p.X, p.Y)
		}
	}
}

// run drives the replica at its tick rate until the context ends.
func (n *node) run(ctx context.Context) {
	ticker := time.NewTicker(n.replica.Clock().TickDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.replica.Advance(ctx, nil); err != nil {
				_, _ = fmt.Fprintln(os.Stderr, err.Error())
				return
			}
		}
	}
}

func parseFloats(args []string, count int) ([]float64, error) {
	if len(args) < count {
		return nil, ErrBadArgs
	}
	out := make([]float64, count)
	for i := 0; i < count; i++ {
		f, err := strconv.ParseFloat(args[i], 64)
		if err != nil {
			return nil, ErrBadArgs
		}
		out[i] = f
	}
	return out, nil
}

func main() {
	role := netplay.RoleServer
	peer := ""
	if len(os.Args) > 1 && os.Args[1] == "client" {
		role = netplay.RoleClient
		peer = fmt.Sprintf("client:%d", os.Getpid())
	}

	n, err := newNode(role, peer)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go n.run(ctx)

	l, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     "/tmp/netplay-readline.tmp",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			} else {
				continue
			}
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		args := strings.Split(line, " ")
		cmd := args[0]
		args = args[1:]
		err = nil
		switch cmd {
		case "listen":
			if len(args) < 1 {
				err = ErrBadArgs
				break
			}
			err = n.replica.Listen(ctx, args[0])
		case "connect":
			if len(args) < 1 {
				err = ErrBadArgs
				break
			}
			err = n.replica.Connect(ctx, args[0])
		case "spawn":
			var xy []float64
			if xy, err = parseFloats(args, 2); err == nil {
				e := n.spawn(xy[0], xy[1])
				fmt.Printf("#%d\n", uint64(e))
			}
		case "move":
			if len(args) < 3 {
				err = ErrBadArgs
				break
			}
			var id uint64
			if id, err = strconv.ParseUint(args[0], 10, 64); err != nil {
				err = ErrBadArgs
				break
			}
			var xy []float64
			if xy, err = parseFloats(args[1:], 2); err == nil {
				n.move(world.Entity(id), xy[0], xy[1])
			}
		case "show", "list":
			n.show(os.Stdout)
		case "stats":
			rollbacks, rollbackTicks, snaps := n.replica.Predictor().Stats()
			fmt.Printf("tick %s rollbacks %d rollback_ticks %d snaps %d\n",
				n.replica.Clock().CurrentTick(), rollbacks, rollbackTicks, snaps)
		case "exit", "quit":
			cancel()
			if err = n.replica.Close(); err != nil {
				_, _ = fmt.Fprintln(os.Stderr, err.Error())
				os.Exit(-1)
			}
			os.Exit(0)
		case "help", "":
			fmt.Println("listen|connect <addr>, spawn <x> <y>, move <id> <x> <y>, show, stats, exit")
		default:
			_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
		}

		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error executing %s: %s\n", cmd, err.Error())
		}
	}
	cancel()
	_ = n.replica.Close()
}
