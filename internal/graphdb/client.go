// Package graphdb projects validated analysis results into Neo4j and keeps
// the graph consistent with the filesystem via refactoring tasks and the
// mark/sweep reconciler.
package graphdb

import (
	"context"
	"fmt"
	"log"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Statement is one parameterized Cypher query. Labels and relationship types
// are interpolated into Query only after allow-list checks; everything else
// travels in Params.
type Statement struct {
	Query  string
	Params map[string]any
}

// CypherRunner executes an ordered list of statements in one write
// transaction. *Client implements it; tests substitute fakes.
type CypherRunner interface {
	RunWrite(ctx context.Context, stmts []Statement) error
}

// Client wraps the Neo4j driver with the session discipline the pipeline
// needs: a fresh session per batch so errors never leak state across batches.
type Client struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *log.Logger
}

// Connect dials the graph and verifies connectivity before returning.
func Connect(ctx context.Context, uri, username, password, database string, logger *log.Logger) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return &Client{driver: driver, database: database, logger: logger}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// RunWrite executes stmts inside a single managed write transaction on a
// fresh session. Any statement error rolls back the whole batch.
func (c *Client) RunWrite(ctx context.Context, stmts []Statement) error {
	if len(stmts) == 0 {
		return nil
	}
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			c.logger.Printf("close session: %v", err)
		}
	}()

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, s := range stmts {
			if _, err := tx.Run(ctx, s.Query, s.Params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("neo4j execute: %w", err)
	}
	return nil
}
