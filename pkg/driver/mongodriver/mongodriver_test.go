package mongodriver

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kak-smko/mongodb-ro/pkg/driver"
	"github.com/kak-smko/mongodb-ro/pkg/driver/memdriver"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"duplicate key", mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000"}}}, driver.ErrDuplicateKey},
		{"index options conflict", mongo.CommandError{Code: 85, Name: "IndexOptionsConflict"}, driver.ErrIndexConflict},
		{"index key specs conflict", mongo.CommandError{Code: 86, Name: "IndexKeySpecsConflict"}, driver.ErrIndexConflict},
		{"write conflict", mongo.CommandError{Code: 112, Name: "WriteConflict"}, driver.ErrWriteConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("Expected %v in chain, got %v", tt.want, got)
			}
			var se mongo.ServerError
			if !errors.As(got, &se) {
				t.Errorf("Expected server error to stay in the chain, got %v", got)
			}
		})
	}

	other := errors.New("boom")
	if got := classify(other); got != other {
		t.Errorf("Expected unrelated error unchanged, got %v", got)
	}
	if classify(nil) != nil {
		t.Error("Expected nil for nil")
	}
}

func TestBindRejectsForeignSession(t *testing.T) {
	ctx := context.Background()
	// Connect is lazy; nothing here talks to a server
	client, err := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://127.0.0.1:1"))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Disconnect(ctx)

	db := Wrap(client.Database("test"))
	if db.Name() != "test" {
		t.Errorf("Expected name test, got %s", db.Name())
	}

	foreign, _ := memdriver.New("test").StartSession(ctx)
	if _, err := db.bind(ctx, foreign); !errors.Is(err, driver.ErrForeignSession) {
		t.Errorf("Expected ErrForeignSession, got %v", err)
	}

	var typedNil *Session
	if _, err := db.bind(ctx, typedNil); !errors.Is(err, driver.ErrForeignSession) {
		t.Errorf("Expected ErrForeignSession for a nil *Session, got %v", err)
	}

	bound, err := db.bind(ctx, nil)
	if err != nil || bound != ctx {
		t.Errorf("Expected the context unchanged without a session, got %v, %v", bound, err)
	}
}

func TestNonNilFilter(t *testing.T) {
	if f := nonNil(nil); f == nil || len(f) != 0 {
		t.Errorf("Expected empty filter, got %v", f)
	}
}
