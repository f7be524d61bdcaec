package models

import (
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestFunctionDefinition_MaxAttempts(t *testing.T) {
	assert.Equal(t, 4, (&FunctionDefinition{}).MaxAttempts())
	assert.Equal(t, 1, (&FunctionDefinition{Retries: NoRetries}).MaxAttempts())
	assert.Equal(t, 6, (&FunctionDefinition{Retries: 5}).MaxAttempts())
}

func TestFunctionDefinition_Validate(t *testing.T) {
	tests := []struct {
		name string
		def  FunctionDefinition
		err  error
	}{
		{
			name: "event trigger",
			def:  FunctionDefinition{ID: "f", Trigger: Trigger{Event: "user/created"}},
		},
		{
			name: "cron trigger",
			def:  FunctionDefinition{ID: "f", Trigger: Trigger{Cron: "0 2 * * *"}},
		},
		{
			name: "no trigger",
			def:  FunctionDefinition{ID: "f"},
			err:  ErrInvalidTrigger,
		},
		{
			name: "both triggers",
			def:  FunctionDefinition{ID: "f", Trigger: Trigger{Event: "a", Cron: "@daily"}},
			err:  ErrInvalidTrigger,
		},
		{
			name: "zero concurrency",
			def: FunctionDefinition{
				ID: "f", Trigger: Trigger{Event: "a"}, Concurrency: &Limit{},
			},
			err: ErrInvalidLimit,
		},
		{
			name: "throttle without period",
			def: FunctionDefinition{
				ID: "f", Trigger: Trigger{Event: "a"}, Throttle: &Limit{Limit: 10},
			},
			err: ErrThrottlePeriodRequired,
		},
		{
			name: "throttle with period",
			def: FunctionDefinition{
				ID: "f", Trigger: Trigger{Event: "a"}, Throttle: &Limit{Limit: 10, Period: time.Minute},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestFunctionDefinition_InvalidCron(t *testing.T) {
	def := FunctionDefinition{ID: "f", Trigger: Trigger{Cron: "not a cron"}}

	assert.Error(t, def.Validate())
}

func TestFunctionDefinition_StructTags(t *testing.T) {
	validate := validator.New()

	assert.Error(t, validate.Struct(&FunctionDefinition{}))
	assert.Error(t, validate.Struct(&FunctionDefinition{ID: "f", Retries: -2}))
	assert.NoError(t, validate.Struct(&FunctionDefinition{ID: "f", Retries: NoRetries}))
}
