package irc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNumericFormatPadsCode(t *testing.T) {
	n := NewNumeric(RPL_WELCOME, "Welcome")
	assert.Equal(t, "001 alice Welcome", n.Format("alice"))
}

func TestNumericFormatStarTarget(t *testing.T) {
	n := NoSuchNick("ghost")
	assert.Equal(t, "401 * ghost :No such nick", n.Format(""))
}

func TestNumericTrailingColonRules(t *testing.T) {
	tests := []struct {
		name   string
		params []string
		want   string
	}{
		{"no colon for plain word", []string{"#chan", "word"}, "403 alice #chan word"},
		{"colon for spaces", []string{"#chan", "two words"}, "403 alice #chan :two words"},
		{"colon for empty", []string{"#chan", ""}, "403 alice #chan :"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNumeric(ERR_NOSUCHCHANNEL, tt.params...)
			assert.Equal(t, tt.want, n.Format("alice"))
		})
	}
}

func TestCannotSendToChanModeLiteral(t *testing.T) {
	n := CannotSendToChanMode("#x", "CTCPs", 'n', "noextmsg")
	assert.Equal(t,
		"404 nick #x :You cannot send CTCPs to this channel whilst the +n (noextmsg) mode is set.",
		n.Format("nick"))
}

func TestCannotSendToUserMode(t *testing.T) {
	n := CannotSendToUserMode("bob", "messages", 'R', "regonly", false)
	assert.Equal(t,
		"531 alice bob :You cannot send messages to this user whilst they have the +R (regonly) mode set.",
		n.Format("alice"))
}

func TestChanPrivsNeeded(t *testing.T) {
	n := ChanPrivsNeeded("#x", "change the topic")
	assert.Equal(t,
		"482 alice #x :You must be a channel operator or higher to change the topic.",
		n.Format("alice"))
}

func TestInvalidModeParam(t *testing.T) {
	n := InvalidModeParam("#x", 'l', "banana", "Invalid limit mode parameter. Syntax: <limit>.")
	assert.Equal(t,
		"696 alice #x l banana :Invalid limit mode parameter. Syntax: <limit>.",
		n.Format("alice"))
}

func TestInvalidModeParamDefaultMessage(t *testing.T) {
	n := InvalidModeParam("#x", 'k', "", "")
	assert.Equal(t, "696 alice #x k  :Invalid k mode parameter.", n.Format("alice"))
}

func TestNoSuchChannelEmptyName(t *testing.T) {
	n := NoSuchChannel("")
	assert.Equal(t, "403 alice * :No such channel", n.Format("alice"))
}

func TestPushHelpers(t *testing.T) {
	n := NewNumeric(ERR_INVALIDMODEPARAM, "#x")
	n.PushMode('l')
	n.PushInt(42)
	n.Push("done")
	assert.Equal(t, []string{"#x", "l", "42", "done"}, n.Params)
}
