package resultstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saltfish/spdispatch/internal/domain"
)

func mustSpec(t *testing.T, pt domain.ProblemType) domain.ProblemSpec {
	t.Helper()
	spec, err := domain.DefaultProblems().Lookup(pt)
	require.NoError(t, err)
	return spec
}

func TestEncode_Shapes(t *testing.T) {
	base := domain.ExperimentParameter{
		StockCount: 5, WindowLength: 50, ScenarioCount: 200,
		Bias: domain.BiasUnbiased, Repetition: 1, Alpha: "0.5",
	}
	yearly := base
	yearly.WindowLength = 120
	yearly.Alpha = "0.50"
	yearly.StartDate = domain.NewDate(2007, 7, 2)
	yearly.EndDate = domain.NewDate(2007, 7, 31)

	tests := []struct {
		problem domain.ProblemType
		param   domain.ExperimentParameter
		want    string
	}{
		{domain.ProblemMinCVaRSP, base, "min_cvar_sp_20050103_20141231_m5_w50_s200_unbiased_1_a0.5.pkl"},
		{domain.ProblemMinCVaRSIP, base, "min_cvar_sip_20050103_20141231_all50_m5_w50_s200_unbiased_1_a0.5.pkl"},
		{domain.ProblemMinMSCVaREventSP, yearly, "min_ms_cvar_eventsp_20070702_20070731_m5_w120_s200_unbiased_1_a0.50.pkl"},
		{domain.ProblemMinCVaRSP2Yearly, yearly, "min_cvar_sp2_yearly_20070702_20070731_m5_w120_s200_unbiased_1_a0.50.pkl"},
		{domain.ProblemMinCVaRSIP2Yearly, yearly, "min_cvar_sip2_yearly_20070702_20070731_all50_m5_w120_s200_unbiased_1_a0.50.pkl"},
	}

	for _, tt := range tests {
		t.Run(string(tt.problem), func(t *testing.T) {
			spec := mustSpec(t, tt.problem)

			name := Encode(spec, tt.param)
			assert.Equal(t, tt.want, name)

			decoded, err := Decode(spec, name)
			require.NoError(t, err)
			assert.Equal(t, tt.param, decoded)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	sp := mustSpec(t, domain.ProblemMinCVaRSP)
	sip := mustSpec(t, domain.ProblemMinCVaRSIP)

	tests := []struct {
		name string
		spec domain.ProblemSpec
		file string
	}{
		{"wrong extension", sp, "min_cvar_sp_20050103_20141231_m5_w50_s200_unbiased_1_a0.5.csv"},
		{"other problem", sp, "min_cvar_sip_20050103_20141231_all50_m5_w50_s200_unbiased_1_a0.5.pkl"},
		{"missing token", sp, "min_cvar_sp_20050103_20141231_m5_w50_s200_1_a0.5.pkl"},
		{"bad stock prefix", sp, "min_cvar_sp_20050103_20141231_n5_w50_s200_unbiased_1_a0.5.pkl"},
		{"bad repetition", sp, "min_cvar_sp_20050103_20141231_m5_w50_s200_unbiased_x_a0.5.pkl"},
		{"bad alpha", sp, "min_cvar_sp_20050103_20141231_m5_w50_s200_unbiased_1_aX.pkl"},
		{"other overall range", sp, "min_cvar_sp_20060103_20141231_m5_w50_s200_unbiased_1_a0.5.pkl"},
		{"missing marker", sip, "min_cvar_sip_20050103_20141231_m5_w50_s200_unbiased_1_a0.5_x.pkl"},
		{"bad date", sp, "min_cvar_sp_2005013_20141231_m5_w50_s200_unbiased_1_a0.5.pkl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.spec, tt.file)
			assert.ErrorIs(t, err, ErrMalformedName)
		})
	}
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "min_cvar_sp_20050103_20141231_", Prefix(mustSpec(t, domain.ProblemMinCVaRSP)))
	assert.Equal(t, "min_cvar_sip_20050103_20141231_all50_", Prefix(mustSpec(t, domain.ProblemMinCVaRSIP)))
	assert.Equal(t, "min_cvar_sp2_yearly_", Prefix(mustSpec(t, domain.ProblemMinCVaRSP2Yearly)))
}
