package condition

import (
	"errors"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secupoints/core"
)

func TestTokenize(t *testing.T) {
	toks, err := Tokenize(`Alert.severity IN ['INFO', "x"] AND n >= -2.5`)
	require.NoError(t, err)

	kinds := make([]TokenKind, len(toks))
	for i, tok := range toks {
		kinds[i] = tok.Kind
	}
	assert.Equal(t, []TokenKind{
		TokIdent, TokDot, TokIdent, TokIn,
		TokLBrack, TokString, TokComma, TokString, TokRBrack,
		TokAnd, TokIdent, TokOp, TokMinus, TokNumber, TokEOF,
	}, kinds)
	assert.Equal(t, "INFO", toks[5].Text)
	assert.Equal(t, "2.5", toks[13].Text)
}

func TestTokenizeKeywordsAreWholeWords(t *testing.T) {
	toks, err := Tokenize(`Alert.kind == INFO OR Alert.dir == Inbound`)
	require.NoError(t, err)
	assert.Equal(t, TokIdent, toks[4].Kind)
	assert.Equal(t, TokOr, toks[5].Kind)
	assert.Equal(t, TokIdent, toks[10].Kind)

	toks, err = Tokenize(`RescanResult not Exists OR x in [1] and y.or == 1`)
	require.NoError(t, err)
	assert.Equal(t, TokNot, toks[1].Kind)
	assert.Equal(t, TokExists, toks[2].Kind)
	assert.Equal(t, TokOr, toks[3].Kind)
	assert.Equal(t, TokIdent, toks[5].Kind)
	assert.Equal(t, TokIdent, toks[9].Kind)
}

func TestTokenizeErrors(t *testing.T) {
	for _, src := range []string{`Alert.x == 'open`, `Alert.x = 1`, `Alert.x == #`} {
		_, err := Tokenize(src)
		require.Error(t, err, src)
		assert.True(t, errors.Is(err, core.ErrParse), src)
	}
}

func TestParseShapes(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{`Alert.severity == 'CRITICAL'`, `Alert.severity == "CRITICAL"`},
		{`Alert.severity NOT IN ['LOW','INFO']`, `Alert.severity NOT IN ["LOW", "INFO"]`},
		{`(Remediation.action_ts - Alert.first_seen) <= 2 day`, `(Remediation.action_ts - Alert.first_seen) <= 2 days`},
		{`RescanResult EXISTS`, `RescanResult EXISTS`},
		{`a.x == 1 OR a.y == 2 AND a.z == 3`, `a.x == 1 OR (a.y == 2 AND a.z == 3)`},
		{`(a.x == 1 OR a.y == 2) AND a.z == 3`, `(a.x == 1 OR a.y == 2) AND a.z == 3`},
		{`Alert.title == 'MINIMAL IN SCOPE'`, `Alert.title == "MINIMAL IN SCOPE"`},
		{`Alert.flag == TRUE`, `Alert.flag == true`},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			expr, err := Parse(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, expr.String())
		})
	}
}

func TestParseLiteralInsideStringIsNotAnOperator(t *testing.T) {
	expr, err := Parse(`Alert.title == 'Login IN progress'`)
	require.NoError(t, err)
	cmp, ok := expr.(*Comparison)
	require.True(t, ok)
	assert.Equal(t, OpEq, cmp.Op)
	lit, ok := cmp.Right.(*Literal)
	require.True(t, ok)
	s, _ := lit.Value.Str()
	assert.Equal(t, "Login IN progress", s)
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		``,
		`Alert.severity`,
		`Alert.severity ==`,
		`Alert.severity == 'x' extra`,
		`== 'x'`,
		`Alert. == 1`,
		`(Alert.x == 1`,
		`Alert.x NOT 1`,
		`Alert.list IN [1, 2`,
	} {
		_, err := Parse(src)
		require.Error(t, err, src)
		assert.True(t, errors.Is(err, core.ErrParse), src)
	}
}

func TestParseTemporalUnknownUnitFallsBackToGroup(t *testing.T) {
	_, err := Parse(`(Remediation.action_ts - Alert.first_seen) < 24 fortnights`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrParse))
}

func TestParseTreeGolden(t *testing.T) {
	srcs := []string{
		`Alert.severity == 'CRITICAL'`,
		`(Remediation.action_ts - Alert.first_seen) < 24 hours`,
		`RescanResult NOT EXISTS`,
		`Alert.severity IN ['CRITICAL', 'HIGH'] AND Alert.status != 'false_positive' OR Alert.score >= -1.5`,
		`Remediation.user_id == current_user`,
		`Alert.resolved_at == null`,
	}
	var out strings.Builder
	for _, src := range srcs {
		expr, err := Parse(src)
		require.NoError(t, err, src)
		out.WriteString("# " + src + "\n")
		out.WriteString(Dump(expr))
		out.WriteString("\n")
	}
	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "parse_tree", []byte(out.String()))
}
