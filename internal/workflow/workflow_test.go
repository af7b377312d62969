package workflow

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/werkstatt-flow/api/internal/domain"
)

func newTestResolver(t *testing.T, opts ...ResolverOption) *Resolver {
	t.Helper()
	r, err := NewResolver(DefaultCatalog(), opts...)
	require.NoError(t, err)
	return r
}

func TestCatalogStepsFor(t *testing.T) {
	c := DefaultCatalog()

	steps, err := c.StepsFor(domain.ServiceLackier)
	require.NoError(t, err)
	assert.Equal(t, []string{"angenommen", "vorbereitung", "lackierung", "trocknung", "qualitaet", "bereit"}, steps)

	steps[0] = "mutated"
	again, _ := c.StepsFor(domain.ServiceLackier)
	assert.Equal(t, "angenommen", again[0])

	_, err = c.StepsFor("raketen")
	assert.ErrorIs(t, err, ErrUnknownService)

	assert.Len(t, c.Services(), 12)
	assert.Equal(t, domain.ServiceLackier, c.Services()[0])
	assert.Equal(t, domain.ServiceWerbebeklebung, c.Services()[11])
}

func TestCatalogIndexOf(t *testing.T) {
	c := DefaultCatalog()

	idx, found, err := c.IndexOf(domain.ServiceMechanik, "Reparatur")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, idx)

	_, found, err = c.IndexOf(domain.ServiceReifen, "lackierung")
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = c.IndexOf("unknown", "angenommen")
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestNewCatalogRejectsInvalidDefinitions(t *testing.T) {
	cases := map[string][]Definition{
		"empty":      nil,
		"one step":   {{Service: "x", Steps: []string{"a"}}},
		"duplicate":  {{Service: "x", Steps: []string{"a", "a"}}},
		"terminiert": {{Service: "x", Steps: []string{"a", "terminiert"}}},
		"same service": {
			{Service: "x", Steps: []string{"a", "b"}},
			{Service: "X", Steps: []string{"a", "b"}},
		},
	}
	for name, defs := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewCatalog(defs...)
			assert.Error(t, err)
		})
	}
}

func TestCatalogSharedSteps(t *testing.T) {
	shared := DefaultCatalog().SharedSteps()

	assert.Equal(t, []domain.ServiceType{domain.ServiceMechanik, domain.ServiceVersicherung}, shared["reparatur"])
	assert.Equal(t, []domain.ServiceType{
		domain.ServiceLackier, domain.ServiceMechanik, domain.ServiceDellen, domain.ServiceFolierung,
	}, shared["qualitaet"])
	_, ok := shared["lackierung"]
	assert.False(t, ok)
}

func TestCatalogWorkStepsAndPortal(t *testing.T) {
	c := DefaultCatalog()

	assert.True(t, c.IsWorkStep(domain.ServiceLackier, "lackierung"))
	assert.False(t, c.IsWorkStep(domain.ServiceLackier, "angenommen"))
	assert.False(t, c.IsWorkStep(domain.ServiceLackier, "bereit"))
	assert.False(t, c.IsWorkStep("unknown", "lackierung"))

	assert.Equal(t, PortalAbholung, c.PortalStatus(domain.ServiceTuev, "abholbereit"))
	assert.Equal(t, PortalBeauftragt, c.PortalStatus(domain.ServiceLackier, "vorbereitung"))
	assert.Equal(t, PortalQualitaet, c.PortalStatus(domain.ServiceReifen, "wuchten"))
	assert.Equal(t, PortalTerminiert, c.PortalStatus(domain.ServiceGlas, "terminiert"))
	assert.Equal(t, PortalBeauftragt, c.PortalStatus(domain.ServiceGlas, "angenommen"))
	assert.Equal(t, PortalInArbeit, c.PortalStatus(domain.ServiceGlas, "ausbau"))
	assert.Equal(t, PortalQualitaet, c.PortalStatus(domain.ServiceDellen, "qualitaet"))
	assert.Equal(t, PortalAbholung, c.PortalStatus(domain.ServiceKlima, "bereit"))
}

func TestTerminalAndIntake(t *testing.T) {
	for _, status := range []string{"fertig", "bereit", "Abholbereit", "abgeschlossen"} {
		assert.True(t, IsTerminal(status), status)
	}
	assert.False(t, IsTerminal("qualitaet"))
	for _, status := range []string{"", "neu", "angenommen", "terminiert"} {
		assert.True(t, IsIntake(status), status)
	}
	assert.False(t, IsIntake("vorbereitung"))
}

func TestFold(t *testing.T) {
	assert.Equal(t, "tuev", Fold("TÜV"))
	assert.Equal(t, "qualitaet", Fold("  Qualität "))
	assert.Equal(t, "bereit_zur_abholung", Fold("Bereit zur Abholung"))
	assert.Equal(t, "", Fold("   "))
}

func TestFoldConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if got := Fold("Qualitätsprüfung TÜV"); got != "qualitaetspruefung_tuev" {
					t.Errorf("unexpected fold %q", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestResolverCanonicalize(t *testing.T) {
	r := newTestResolver(t)

	res, err := r.Canonicalize(domain.ServiceLackier, "neu", "")
	require.NoError(t, err)
	assert.Equal(t, "angenommen", res.Status)
	assert.True(t, res.Aliased)

	res, err = r.Canonicalize(domain.ServiceMechanik, "Qualitätskontrolle", domain.ServiceMechanik)
	require.NoError(t, err)
	assert.Equal(t, "qualitaet", res.Status)
	assert.Equal(t, domain.ServiceMechanik, res.Owner)

	res, err = r.Canonicalize(domain.ServiceReifen, "fertig", "")
	require.NoError(t, err)
	assert.Equal(t, "bereit", res.Status)

	res, err = r.Canonicalize(domain.ServiceLackier, "lackierung", "")
	require.NoError(t, err)
	assert.Equal(t, "lackierung", res.Status)
	assert.False(t, res.Aliased)
	assert.Empty(t, res.Owner)

	res, err = r.Canonicalize(domain.ServiceVersicherung, "reparatur", "")
	require.NoError(t, err)
	assert.Equal(t, domain.ServiceMechanik, res.Owner)

	res, err = r.Canonicalize(domain.ServiceVersicherung, "reparatur", domain.ServiceVersicherung)
	require.NoError(t, err)
	assert.Equal(t, domain.ServiceVersicherung, res.Owner)

	res, err = r.Canonicalize(domain.ServiceLackier, "terminiert", "")
	require.NoError(t, err)
	assert.Equal(t, "terminiert", res.Status)

	_, err = r.Canonicalize("raketen", "neu", "")
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestResolverResolveService(t *testing.T) {
	r := newTestResolver(t)

	cases := []struct {
		name       string
		token      string
		context    domain.ServiceType
		candidates []domain.ServiceType
		want       domain.ServiceType
		ok         bool
	}{
		{name: "default priority", token: "reparatur", want: domain.ServiceMechanik, ok: true},
		{name: "context wins", token: "reparatur", context: domain.ServiceVersicherung, want: domain.ServiceVersicherung, ok: true},
		{name: "context without token", token: "reparatur", context: domain.ServiceLackier, want: domain.ServiceMechanik, ok: true},
		{name: "qualitaet default", token: "Qualität", want: domain.ServiceLackier, ok: true},
		{name: "candidates restrict", token: "reparatur", candidates: []domain.ServiceType{domain.ServiceLackier, domain.ServiceVersicherung}, want: domain.ServiceVersicherung, ok: true},
		{name: "unique token", token: "wuchten", want: domain.ServiceReifen, ok: true},
		{name: "legacy name", token: "qualitaetskontrolle", context: domain.ServiceDellen, want: domain.ServiceDellen, ok: true},
		{name: "terminal on order", token: "bereit", candidates: []domain.ServiceType{domain.ServiceReifen}, want: domain.ServiceReifen, ok: true},
		{name: "unknown token", token: "fliegen", ok: false},
		{name: "not among candidates", token: "wuchten", candidates: []domain.ServiceType{domain.ServiceLackier}, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := r.ResolveService(tc.token, tc.context, tc.candidates...)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolverPriorityTableIsConfigurable(t *testing.T) {
	r := newTestResolver(t, WithPriorityTable(PriorityTable{
		"reparatur": {domain.ServiceVersicherung, domain.ServiceMechanik},
	}))

	got, ok := r.ResolveService("reparatur", "")
	require.True(t, ok)
	assert.Equal(t, domain.ServiceVersicherung, got)

	_, err := NewResolver(DefaultCatalog(), WithPriorityTable(PriorityTable{"reparatur": {"raketen"}}))
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestResolverValidateServiceType(t *testing.T) {
	r := newTestResolver(t)

	cases := map[string]domain.ServiceType{
		"lackier":           domain.ServiceLackier,
		"TÜV":               domain.ServiceTuev,
		"hu":                domain.ServiceTuev,
		"Smart Repair":      domain.ServiceDellen,
		"smart-repair":      domain.ServiceDellen,
		"Räder":             domain.ServiceReifen,
		"windschutzscheibe": domain.ServiceGlas,
		"werkstatt":         domain.ServiceMechanik,
		"PPF":               domain.ServiceSteinschutz,
		"quatsch":           domain.ServiceLackier,
		"":                  domain.ServiceLackier,
	}
	for raw, want := range cases {
		assert.Equal(t, want, r.ValidateServiceType(raw), raw)
	}

	custom := newTestResolver(t, WithFallbackService(domain.ServiceMechanik), WithServiceAliases(map[string]domain.ServiceType{
		"motor": domain.ServiceMechanik,
	}))
	assert.Equal(t, domain.ServiceMechanik, custom.ValidateServiceType("quatsch"))
	got, ok := custom.NormalizeService("Motor")
	assert.True(t, ok)
	assert.Equal(t, domain.ServiceMechanik, got)
}

func TestValidatorDecisions(t *testing.T) {
	v, err := NewValidator(newTestResolver(t))
	require.NoError(t, err)

	cases := []struct {
		name     string
		service  domain.ServiceType
		from     string
		to       string
		kind     DecisionKind
		sentinel error
	}{
		{name: "adjacent", service: domain.ServiceLackier, from: "vorbereitung", to: "lackierung", kind: KindAllowed},
		{name: "skip one", service: domain.ServiceLackier, from: "vorbereitung", to: "trocknung", kind: KindAllowed},
		{name: "skip too many", service: domain.ServiceLackier, from: "vorbereitung", to: "bereit", kind: KindTooManySkipped, sentinel: ErrTooManySkipped},
		{name: "backward", service: domain.ServiceLackier, from: "bereit", to: "vorbereitung", kind: KindBackwardTransition, sentinel: ErrBackwardTransition},
		{name: "identity", service: domain.ServiceLackier, from: "trocknung", to: "trocknung", kind: KindAllowed},
		{name: "identity invalid token", service: domain.ServiceLackier, from: "irgendwas", to: "irgendwas", kind: KindAllowed},
		{name: "schedule from intake", service: domain.ServiceLackier, from: "angenommen", to: "terminiert", kind: KindAllowed},
		{name: "schedule from neu", service: domain.ServiceReifen, from: "neu", to: "terminiert", kind: KindAllowed},
		{name: "schedule from empty", service: domain.ServiceReifen, from: "", to: "terminiert", kind: KindAllowed},
		{name: "schedule after work started", service: domain.ServiceLackier, from: "lackierung", to: "terminiert", kind: KindBackwardTransition, sentinel: ErrBackwardTransition},
		{name: "start after scheduling", service: domain.ServiceLackier, from: "terminiert", to: "vorbereitung", kind: KindAllowed},
		{name: "neu alias", service: domain.ServiceLackier, from: "neu", to: "vorbereitung", kind: KindAllowed},
		{name: "legacy terminal", service: domain.ServiceReifen, from: "montage", to: "fertig", kind: KindAllowed},
		{name: "invalid target", service: domain.ServiceReifen, from: "montage", to: "lackierung", kind: KindInvalidStatus, sentinel: ErrInvalidStatus},
		{name: "invalid current", service: domain.ServiceReifen, from: "lackierung", to: "montage", kind: KindInvalidStatus, sentinel: ErrInvalidStatus},
		{name: "unknown service", service: "raketen", from: "a", to: "b", kind: KindUnknownService, sentinel: ErrUnknownService},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := v.Validate(tc.service, tc.from, tc.to)
			assert.Equal(t, tc.kind, d.Kind, d.Reason)
			assert.Equal(t, tc.kind == KindAllowed, d.Allowed)
			err := d.Err(tc.service)
			if tc.sentinel == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.sentinel)
			var terr *TransitionError
			require.True(t, errors.As(err, &terr))
			assert.NotEmpty(t, terr.Decision.Reason)
		})
	}

	d := v.Validate(domain.ServiceLackier, "vorbereitung", "bereit")
	assert.True(t, strings.Contains(d.Reason, "too many steps skipped"), d.Reason)
	assert.True(t, d.Kind.Overridable())
	assert.True(t, KindBackwardTransition.Overridable())
	assert.False(t, KindUnknownService.Overridable())
	assert.False(t, KindAllowed.Overridable())

	invalid := v.Validate(domain.ServiceLackier, "vorbereitung", "kaffeepause")
	assert.Equal(t, KindInvalidStatus, invalid.Kind)
	assert.False(t, invalid.Kind.Overridable(), "statuses outside the workflow must never be forced")
}

func TestValidatorForwardOnlyAndBoundedJump(t *testing.T) {
	v, err := NewValidator(newTestResolver(t))
	require.NoError(t, err)
	c := DefaultCatalog()

	for _, service := range c.Services() {
		steps, err := c.StepsFor(service)
		require.NoError(t, err)
		candidates := append([]string{domain.StatusTerminiert}, steps...)
		for _, from := range candidates {
			for _, to := range candidates {
				d := v.Validate(service, from, to)
				if !d.Allowed || to == domain.StatusTerminiert {
					continue
				}
				fromIdx, _ := v.position(service, from)
				toIdx, _ := v.position(service, to)
				assert.GreaterOrEqual(t, toIdx, fromIdx, "%s %s->%s", service, from, to)
				assert.LessOrEqual(t, toIdx-fromIdx, MaxForwardJump, "%s %s->%s", service, from, to)
			}
		}
	}
}

func TestOverrides(t *testing.T) {
	in := `
priorities:
  reparatur: [versicherung, mechanik]
serviceAliases:
  motor: mechanik
fallbackService: reifen
`
	o, err := ParseOverrides(strings.NewReader(in))
	require.NoError(t, err)

	opts, err := o.ResolverOptions(DefaultCatalog())
	require.NoError(t, err)
	r := newTestResolver(t, opts...)

	got, _ := r.ResolveService("reparatur", "")
	assert.Equal(t, domain.ServiceVersicherung, got)
	got, _ = r.ResolveService("qualitaet", "")
	assert.Equal(t, domain.ServiceLackier, got)
	assert.Equal(t, domain.ServiceMechanik, r.ValidateServiceType("motor"))
	assert.Equal(t, domain.ServiceReifen, r.ValidateServiceType("quatsch"))

	_, err = ParseOverrides(strings.NewReader("unknown: true\n"))
	assert.Error(t, err)

	bad, err := ParseOverrides(strings.NewReader("priorities:\n  reparatur: [raketen]\n"))
	require.NoError(t, err)
	_, err = bad.ResolverOptions(DefaultCatalog())
	assert.ErrorIs(t, err, ErrUnknownService)

	empty, err := LoadOverrides("")
	require.NoError(t, err)
	assert.Empty(t, empty.Priorities)
}

func TestQueueBlockers(t *testing.T) {
	statuses := map[domain.ServiceType]string{
		domain.ServiceLackier: "vorbereitung",
		domain.ServiceDellen:  "ausbeulen",
	}
	statusOf := func(s domain.ServiceType) (string, bool) {
		status, ok := statuses[s]
		return status, ok
	}

	assert.Equal(t, []domain.ServiceType{domain.ServiceDellen}, QueueBlockers(domain.ServiceLackier, statusOf))
	assert.Equal(t, []domain.ServiceType{domain.ServiceLackier}, QueueBlockers(domain.ServicePflege, statusOf))
	assert.Empty(t, QueueBlockers(domain.ServiceReifen, statusOf))

	statuses[domain.ServiceDellen] = "bereit"
	assert.Empty(t, QueueBlockers(domain.ServiceLackier, statusOf))
}
