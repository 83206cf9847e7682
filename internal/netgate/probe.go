package netgate

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	logx "syncq/pkg/logx"
)

// Prober classifies the host's current connectivity.
type Prober interface {
	Probe(ctx context.Context) (Class, error)
}

// InterfaceProber classifies by the names of up, non-loopback interfaces
// that carry an address: wl*/wifi* and wired en*/eth* count as WiFi (unmetered),
// wwan*/ppp*/rmnet* as Cellular.
type InterfaceProber struct {
	// List is swappable for tests.
	List func() ([]net.Interface, error)
	// Addrs reports whether an interface has at least one unicast address.
	Addrs func(iface net.Interface) bool
}

func (p InterfaceProber) Probe(ctx context.Context) (Class, error) {
	if err := ctx.Err(); err != nil {
		return None, err
	}
	list := p.List
	if list == nil {
		list = net.Interfaces
	}
	hasAddr := p.Addrs
	if hasAddr == nil {
		hasAddr = func(iface net.Interface) bool {
			addrs, err := iface.Addrs()
			return err == nil && len(addrs) > 0
		}
	}
	ifaces, err := list()
	if err != nil {
		return None, err
	}
	best := None
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		c := classifyName(iface.Name)
		if c <= best || !hasAddr(iface) {
			continue
		}
		best = c
	}
	return best, nil
}

func classifyName(name string) Class {
	n := strings.ToLower(name)
	for _, p := range []string{"wl", "wifi", "en", "eth"} {
		if strings.HasPrefix(n, p) {
			return WiFi
		}
	}
	for _, p := range []string{"wwan", "ppp", "rmnet", "usb"} {
		if strings.HasPrefix(n, p) {
			return Cellular
		}
	}
	return None
}

// Poller runs a Prober on a cron schedule and pushes results into a Monitor.
type Poller struct {
	mu     sync.Mutex
	log    logx.Logger
	mon    *Monitor
	prober Prober
	c      *cron.Cron
}

func NewPoller(mon *Monitor, prober Prober, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{mon: mon, prober: prober, log: log}
}

// Start probes once immediately, then on every tick of spec
// (any robfig/cron spec, e.g. "@every 15s").
func (p *Poller) Start(ctx context.Context, spec string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)))
	if _, err := c.AddFunc(spec, func() { p.probeOnce(ctx) }); err != nil {
		return err
	}
	p.probeOnce(ctx)
	c.Start()
	p.c = c
	p.log.Info("connectivity poller started", logx.String("every", spec))
	return nil
}

func (p *Poller) Stop() {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (p *Poller) probeOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	class, err := p.prober.Probe(ctx)
	if err != nil {
		p.log.Warn("connectivity probe failed", logx.Err(err))
		return
	}
	if p.mon.Set(class) {
		p.log.Info("connectivity changed", logx.String("class", class.String()))
	}
}
