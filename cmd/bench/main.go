package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/buzzer/pkg/game"
	"github.com/ryandielhenn/buzzer/pkg/transport"
)

type sim struct {
	hub   *transport.Loopback
	clock *clockwork.FakeClock
	tick  time.Duration

	coord    *game.Coordinator
	coordBtn *game.Button
	parts    []*game.Participant
	partBtns []*game.Button
	machines []game.Machine
}

func (s *sim) step() {
	s.clock.Advance(s.tick)
	for _, m := range s.machines {
		m.Tick()
	}
	s.hub.Pump()
}

// waitFor steps until cond holds or limit of simulated time passes.
func (s *sim) waitFor(limit time.Duration, cond func() bool) bool {
	for elapsed := time.Duration(0); elapsed < limit; elapsed += s.tick {
		if cond() {
			return true
		}
		s.step()
	}
	return cond()
}

func (s *sim) coordState() game.State { return s.coord.Status().State }

func newSim(drop, dup float64, seed int64, log *zap.Logger) (*sim, error) {
	cfg := game.DefaultConfig()
	clock := clockwork.NewFakeClock()
	s := &sim{
		hub:   transport.NewLoopback(transport.WithLoss(drop, dup, seed), transport.WithLogger(log)),
		clock: clock,
		tick:  cfg.Tick,
	}

	ep, err := s.hub.Join(transport.Addr{0x02, 0, 0, 0, 0, 0xC0})
	if err != nil {
		return nil, err
	}
	s.coordBtn = &game.Button{}
	s.coord, err = game.NewCoordinator(cfg, ep, game.WithClock(clock), game.WithButton(s.coordBtn), game.WithLogger(log))
	if err != nil {
		return nil, err
	}
	s.machines = append(s.machines, s.coord)

	for id := uint8(0); id < 4; id++ {
		ep, err := s.hub.Join(transport.Addr{0x02, 0, 0, 0, 0, id})
		if err != nil {
			return nil, err
		}
		pc := cfg
		pc.Role = game.RoleParticipant
		pc.Participant = id
		btn := &game.Button{}
		p, err := game.NewParticipant(pc, ep, game.WithClock(clock), game.WithButton(btn), game.WithLogger(log))
		if err != nil {
			return nil, err
		}
		s.parts = append(s.parts, p)
		s.partBtns = append(s.partBtns, btn)
		s.machines = append(s.machines, p)
	}
	for _, m := range s.machines {
		m.Start()
	}
	return s, nil
}

func main() {
	rounds := flag.Int("rounds", 100, "rounds to play")
	drop := flag.Float64("drop", 0.05, "probability a datagram is lost")
	dup := flag.Float64("dup", 0.02, "probability a datagram is duplicated")
	seed := flag.Int64("seed", 1, "random seed for the link and the players")
	falseStart := flag.Float64("false-start", 0.1, "probability someone jumps the gun before a round")
	verbose := flag.Bool("v", false, "log every machine")
	flag.Parse()

	log := zap.NewNop()
	if *verbose {
		log, _ = zap.NewDevelopment()
	}

	s, err := newSim(*drop, *dup, *seed, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	rng := rand.New(rand.NewSource(*seed + 1))

	var (
		completed, falseStarts, stalls, violations int
		agreed, disagreed                          int
		wins                                       [4]int
	)
	start := s.clock.Now()

	for r := 0; r < *rounds; r++ {
		if !s.waitFor(60*time.Second, func() bool { return s.coordState() == game.Ready }) {
			fmt.Printf("round %d: coordinator never became ready (%s)\n", r, s.coordState())
			stalls++
			break
		}
		// let participants settle into AwaitingStart so a false start is observable
		s.waitFor(3*time.Second, func() bool {
			for _, p := range s.parts {
				if st := p.Status(); st.State != game.AwaitingStart || !st.Connected {
					return false
				}
			}
			return true
		})

		if rng.Float64() < *falseStart {
			s.partBtns[rng.Intn(len(s.partBtns))].Press()
			falseStarts++
			// the flash swallows presses, including the coordinator's
			s.waitFor(1500*time.Millisecond, func() bool { return false })
		}

		s.coordBtn.Press()
		if !s.waitFor(time.Second, func() bool { return s.coordState() == game.Running }) {
			continue
		}

		// each participant reacts after 100-600ms
		pressAt := make([]time.Time, len(s.parts))
		for i := range pressAt {
			pressAt[i] = s.clock.Now().Add(time.Duration(100+rng.Intn(500)) * time.Millisecond)
		}
		var first game.Winner
		ok := s.waitFor(5*time.Second, func() bool {
			now := s.clock.Now()
			for i, at := range pressAt {
				if !at.IsZero() && !now.Before(at) {
					s.partBtns[i].Press()
					pressAt[i] = time.Time{}
				}
			}
			st := s.coord.Status()
			if st.State != game.WinnerAnnounced {
				return st.State != game.Running
			}
			if first.Known() && st.Winner != first {
				violations++
			}
			if !first.Known() {
				first = st.Winner
			}
			return true
		})
		if !ok {
			fmt.Printf("round %d: no press reached the coordinator\n", r)
			stalls++
			break
		}
		if !first.Known() {
			// round cancelled by an eviction
			continue
		}
		completed++
		wins[first.ID]++

		// give the announcement time to land, then compare
		s.waitFor(500*time.Millisecond, func() bool { return false })
		for _, p := range s.parts {
			if w := p.Status().Winner; w.Status == game.Confirmed && w.ID == first.ID {
				agreed++
			} else {
				disagreed++
			}
		}
		if st := s.coord.Status(); st.Winner != first {
			violations++
		}

		s.coordBtn.Press()
		s.waitFor(time.Second, func() bool { return s.coordState() != game.WinnerAnnounced })
	}

	simulated := s.clock.Since(start)
	fmt.Printf("Completed %d/%d rounds in %s simulated (drop=%.2f dup=%.2f seed=%d)\n",
		completed, *rounds, simulated.Round(time.Millisecond), *drop, *dup, *seed)
	fmt.Printf("  wins by participant: %v\n", wins)
	fmt.Printf("  false starts:        %d\n", falseStarts)
	fmt.Printf("  participant views:   %d agreed, %d stale or wrong\n", agreed, disagreed)
	fmt.Printf("  stalls:              %d\n", stalls)
	fmt.Printf("  winner changes:      %d\n", violations)
	if violations > 0 {
		os.Exit(2)
	}
}
