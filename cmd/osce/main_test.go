package main

import (
	"reflect"
	"testing"

	"github.com/pavelanni/osce/internal/model"
)

func TestRescoreIDs(t *testing.T) {
	runs := []model.Run{{ID: "r2"}, {ID: "r3"}, {ID: "r1"}, {ID: "r3"}}
	tests := []struct {
		name string
		args []string
		runs []model.Run
		want []string
	}{
		{"args only", []string{"r1", "r1", "r2"}, nil, []string{"r1", "r2"}},
		{"all only", nil, runs, []string{"r2", "r3", "r1"}},
		{"args and all", []string{"r1", ""}, runs, []string{"r1", "r2", "r3"}},
		{"nothing", nil, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rescoreIDs(tt.args, tt.runs); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("rescoreIDs = %v, want %v", got, tt.want)
			}
		})
	}
}
