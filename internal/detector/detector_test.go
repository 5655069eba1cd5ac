package detector

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/concierge/internal/tenant"
)

func newTestDetector() *Detector {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "¡perfecto! un asesor te llamara", Normalize("  ¡Perfecto!  un ASESOR\tte llamará "))
	assert.Equal(t, "nino cafe", Normalize("Niño Café"))
	assert.Equal(t, "", Normalize("   "))
}

func TestRequiresEscalationScenarios(t *testing.T) {
	d := newTestDetector()
	tn := tenant.TenantConfig{ID: "t1"}

	cases := []struct {
		text string
		want bool
	}{
		{"¡Perfecto! un asesor te llamará", true},
		{"Gracias por tu mensaje", false},
		{"En breve nos pondremos en contacto contigo.", true},
		{"Listo, te llamaremos mañana a las 10.", true},
		{"He notificado a la doctora sobre tu caso.", true},
		{"Someone from our team will call you shortly.", true},
		{"We'll contact you tomorrow.", true},
		{"Tu cita ha sido confirmada para el martes a las 10.", true},
		{"¡Listo! Cita confirmada para mañana.", true},
		{"Tu reserva está confirmada.", true},
		{"Tu reservación quedó agendada para el viernes.", true},
		{"Hemos agendado tu cita para el lunes.", true},
		{"Confirmamos tu cita del jueves.", true},
		{"Tu pedido fue registrado con éxito.", true},
		{"Your appointment is confirmed for Tuesday.", true},
		{"Your booking has been confirmed.", true},
		{"I've booked you in for 3pm.", true},
		{"You're all set, you are booked for Friday.", true},
		{"¿Quieres que confirme tu cita?", false},
		{"Para agendar una cita necesito tu nombre.", false},
		{"Would you like to book an appointment?", false},
		{"Nuestro horario es de 9 a 6.", false},
		{"Our agent list is on the website.", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, d.RequiresEscalation(tn, tc.text), tc.text)
	}
}

func TestTenantPhrasesTakePrecedence(t *testing.T) {
	d := newTestDetector()
	tn := tenant.TenantConfig{ID: "t1", EscalationPhrases: []string{"Cotización Enviada", "  ", "cotizacion enviada"}}

	rule, ok := d.Match(tn, "Tu COTIZACIÓN enviada llegará por correo; un asesor te llamará")
	require.True(t, ok)
	assert.Equal(t, RuleTenantPhrase, rule.Kind)
	assert.Equal(t, "Cotización Enviada", rule.Source)

	rule, ok = d.Match(tn, "un asesor te llamará")
	require.True(t, ok)
	assert.Equal(t, RuleBuiltin, rule.Kind)
	assert.Len(t, d.rulesFor(tn), 1+len(confirmationRules))
}

func TestCacheIsInvalidatedExplicitly(t *testing.T) {
	d := newTestDetector()
	tn := tenant.TenantConfig{ID: "t1", EscalationPhrases: []string{"cotizacion enviada"}}
	assert.True(t, d.RequiresEscalation(tn, "Cotización enviada"))

	tn.EscalationPhrases = []string{"catalogo listo"}
	assert.True(t, d.RequiresEscalation(tn, "cotizacion enviada"), "cached list stays until invalidated")
	assert.False(t, d.RequiresEscalation(tn, "catalogo listo"))

	d.Invalidate("t1")
	assert.False(t, d.RequiresEscalation(tn, "cotizacion enviada"))
	assert.True(t, d.RequiresEscalation(tn, "Catálogo listo"))

	tn.EscalationPhrases = nil
	d.InvalidateAll()
	assert.False(t, d.RequiresEscalation(tn, "catalogo listo"))
}

func TestRequiresHumanAssistance(t *testing.T) {
	d := newTestDetector()
	for _, text := range []string{
		"Quiero hablar con un asesor",
		"necesito hablar con una persona por favor",
		"Llámenme al rato",
		"I want to talk to a human",
		"can I speak with the manager?",
	} {
		assert.True(t, d.RequiresHumanAssistance(text), text)
	}
	for _, text := range []string{"hola", "¿Cuál es el precio?", "un asesor te llamará"} {
		assert.False(t, d.RequiresHumanAssistance(text), text)
	}
}

func TestDetectorConcurrentUse(t *testing.T) {
	d := newTestDetector()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tn := tenant.TenantConfig{ID: "t", EscalationPhrases: []string{"x"}}
			_ = d.RequiresEscalation(tn, "un asesor te llamará")
			if i%4 == 0 {
				d.InvalidateAll()
			}
		}(i)
	}
	wg.Wait()
}
