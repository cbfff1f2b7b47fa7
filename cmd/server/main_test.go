package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequence_RunsInOrder(t *testing.T) {
	var order []string
	step := func(name string, err error) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return err
		}
	}
	boom := errors.New("monitors: boom")

	err := sequence(
		step("http", nil),
		step("monitors", boom),
		step("relays", nil),
		step("redis", nil),
	)(context.Background())

	// 失敗しても後続は止めない
	assert.Equal(t, []string{"http", "monitors", "relays", "redis"}, order)
	assert.ErrorIs(t, err, boom)
}

func TestSequence_Empty(t *testing.T) {
	assert.NoError(t, sequence()(context.Background()))
}
