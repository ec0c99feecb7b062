package yatego

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/yatego/yatego/ymsg"
)

var ErrRouteHost = errors.New("route needs a host or a full route")

// Route is one place to try reaching a call. Either Host (plus the
// optional Port, Protocol and Called) or a literal FullRoute target must
// be set. A positive ForwardTimeout makes the engine give up on this
// route and move to the next one after that long plus a grace period.
type Route struct {
	Caller         string
	CallerName     string
	Called         string
	Host           string
	Port           int
	Protocol       string // defaults to sip
	Domain         string
	Formats        string
	Line           string
	FullRoute      string
	ForwardTimeout time.Duration
}

func (r *Route) hostPort() string {
	if r.Port > 0 {
		return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
	}
	return r.Host
}

// target builds the callto value for the route.
func (r *Route) target(called string) string {
	if r.FullRoute != "" {
		return r.FullRoute
	}
	proto := r.Protocol
	if proto == "" {
		proto = "sip"
	}
	if proto == "sip" {
		called = "sip:" + called
	}
	return proto + "/" + called + "@" + r.hostPort()
}

// Destination is an ordered hunt list of routes plus the per-call limits
// and caller defaults. Zero timeouts fall back to the session defaults;
// empty caller and called fall back to the routed channel's values.
type Destination struct {
	Routes       []*Route
	Caller       string
	CallerName   string
	Called       string
	Timeout      time.Duration
	SetupTimeout time.Duration
}

// forkPlan maps callfork slave indexes back to the routes that produced
// them, so fork events can carry the route.
type forkPlan struct {
	routes map[string]*Route
}

func (p *forkPlan) routeFor(slaveID string) *Route {
	_, slave := forkMaster(slaveID)
	if slave == "" {
		return nil
	}
	return p.routes[slave]
}

// forkParams renders a destination into a callfork route reply. Routes
// become separate serial groups so the engine tries them one at a time;
// a route with a forward timeout turns its group separator into a timed
// drop, padded to absorb pre-ring time. Slave indexes count real targets
// only, so route j maps to slave j even with separators in between.
func forkParams(dest *Destination) (retvalue string, params ymsg.Params, plan *forkPlan, err error) {
	params.Add("fork.stop", "busy")
	plan = &forkPlan{routes: make(map[string]*Route)}

	pos := 1
	for i, r := range dest.Routes {
		if r.FullRoute == "" && r.Host == "" {
			return "", nil, nil, fmt.Errorf("route %d: %w", i+1, ErrRouteHost)
		}
		if i > 0 {
			sep := "|"
			if prev := dest.Routes[i-1]; prev.ForwardTimeout > 0 {
				sep = "|drop=" + formatMS(prev.ForwardTimeout+3*time.Second)
			}
			params.Add("callto."+strconv.Itoa(pos), sep)
			pos++
		}

		caller := pick(r.Caller, dest.Caller)
		callerName := pick(r.CallerName, dest.CallerName, caller)
		called := pick(r.Called, dest.Called)
		domain := pick(r.Domain, r.Host)

		key := "callto." + strconv.Itoa(pos)
		params.Add(key, r.target(called))
		params.AddNonEmpty(key+".caller", caller)
		params.AddNonEmpty(key+".callername", callerName)
		params.AddNonEmpty(key+".domain", domain)
		params.AddNonEmpty(key+".called", called)
		params.AddNonEmpty(key+".formats", r.Formats)
		params.AddNonEmpty(key+".line", r.Line)
		plan.routes[strconv.Itoa(i+1)] = r
		pos++
	}

	return "fork", params, plan, nil
}

func pick(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
