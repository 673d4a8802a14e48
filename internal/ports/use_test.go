package ports

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUseConditionEval(t *testing.T) {
	use := map[string]bool{"ssl": true, "static": false}

	assert.True(t, Always{}.Eval(use))
	assert.True(t, IfEnabled{Flag: "ssl"}.Eval(use))
	assert.False(t, IfEnabled{Flag: "static"}.Eval(use))
	assert.False(t, IfEnabled{Flag: "missing"}.Eval(use))
	assert.True(t, IfDisabled{Flag: "static"}.Eval(use))
	assert.False(t, IfDisabled{Flag: "ssl"}.Eval(use))

	and := And{Conditions: []UseCondition{IfEnabled{Flag: "ssl"}, IfDisabled{Flag: "static"}}}
	assert.True(t, and.Eval(use))
	and = And{Conditions: []UseCondition{IfEnabled{Flag: "ssl"}, IfEnabled{Flag: "static"}}}
	assert.False(t, and.Eval(use))

	or := Or{Conditions: []UseCondition{IfEnabled{Flag: "static"}, IfEnabled{Flag: "ssl"}}}
	assert.True(t, or.Eval(use))
	or = Or{Conditions: []UseCondition{IfEnabled{Flag: "static"}, IfEnabled{Flag: "missing"}}}
	assert.False(t, or.Eval(use))
}

func TestParseUseCondition(t *testing.T) {
	use := map[string]bool{"ssl": true}

	assert.True(t, ParseUseCondition("").Eval(use))
	assert.True(t, ParseUseCondition("ssl?").Eval(use))
	assert.False(t, ParseUseCondition("!ssl?").Eval(use))
	assert.False(t, ParseUseCondition("kerberos?").Eval(use))
	assert.True(t, ParseUseCondition("!kerberos?").Eval(use))
}

func TestDependencyActive(t *testing.T) {
	use := map[string]bool{"ssl": true}

	d := Dependency{}
	assert.True(t, d.Active(use), "nil condition means always active")

	d.Condition = IfEnabled{Flag: "ssl"}
	assert.True(t, d.Active(use))

	d.Condition = IfDisabled{Flag: "ssl"}
	assert.False(t, d.Active(use))
}

func TestPackageInfoHelpers(t *testing.T) {
	p := &PackageInfo{UseFlags: []string{"+ssl", "static", "+ipv6"}}
	assert.Equal(t, []string{"ssl", "ipv6"}, p.DefaultUseFlags())
	assert.Equal(t, "0", p.EffectiveSlot())

	p.Slot = "3"
	assert.Equal(t, "3", p.EffectiveSlot())
}
