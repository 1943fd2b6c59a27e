package main

import (
	"reflect"
	"testing"

	"github.com/timmy/reelpilot/internal/domain"
)

func TestParseTargets(t *testing.T) {
	tests := []struct {
		name    string
		raw     []string
		want    []domain.PublishTarget
		wantErr bool
	}{
		{"none", nil, []domain.PublishTarget{}, false},
		{"platform only", []string{"tiktok"}, []domain.PublishTarget{{Platform: "tiktok"}}, false},
		{"with strategy", []string{"youtube:least_used", " instagram : priority "}, []domain.PublishTarget{
			{Platform: "youtube", Strategy: "least_used"},
			{Platform: "instagram", Strategy: "priority"},
		}, false},
		{"empty platform", []string{":random"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTargets(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"pools", "list"}, {"pools", "create"},
		{"accounts", "add"}, {"accounts", "list"},
		{"health", "report"}, {"health", "alerts"},
		{"subscriptions", "set"}, {"subscriptions", "show"},
		{"run"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not found: %v", path, err)
		}
	}
}
