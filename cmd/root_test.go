package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"serve", "submit", "watch", "validate"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "diagnosis-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestSubmitCommand_Flags(t *testing.T) {
	for _, name := range []string{"company", "contact", "email", "phone", "industry", "watch"} {
		assert.NotNil(t, submitCmd.Flags().Lookup(name), "submit command should have --%s flag", name)
	}
}

func TestWatchCommand_Flags(t *testing.T) {
	flag := watchCmd.Flags().Lookup("interval")
	require.NotNil(t, flag)
	assert.Equal(t, "0s", flag.DefValue)
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		cmd     func() error
		wantErr bool
		want    string
	}{
		{"valid phone", func() error { return validatePhoneCmd.RunE(validatePhoneCmd, []string{"010-1234-5678"}) }, false, `"normalizedForm": "010-1234-5678"`},
		{"short phone", func() error { return validatePhoneCmd.RunE(validatePhoneCmd, []string{"010-123-456"}) }, true, `"isValid": false`},
		{"business email", func() error { return validateEmailCmd.RunE(validateEmailCmd, []string{"ceo@company.co.kr"}) }, false, `"domainClassification": "business"`},
		{"bad email", func() error { return validateEmailCmd.RunE(validateEmailCmd, []string{"not-an-email"}) }, true, `"isValid": false`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			validatePhoneCmd.SetOut(&out)
			validateEmailCmd.SetOut(&out)
			t.Cleanup(func() {
				validatePhoneCmd.SetOut(nil)
				validateEmailCmd.SetOut(nil)
			})

			err := tt.cmd()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Contains(t, out.String(), tt.want)
		})
	}
}
