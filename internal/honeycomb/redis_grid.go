package honeycomb

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGrid implements Grid on Redis sets and hashes so that every
// instance sees the same membership. All multi-key updates go through a
// single pipeline to keep the move window short.
type RedisGrid struct {
	client *redis.Client
}

func NewRedisGrid(client *redis.Client) *RedisGrid {
	return &RedisGrid{client: client}
}

func tierField(tier int) string { return "tier:" + strconv.Itoa(tier) }

func (g *RedisGrid) UpdateDriverCell(ctx context.Context, driverID string, lat, lon float64, zone string, tier, res int) error {
	newCell := CellAt(lat, lon, res)
	pointerKey := driverCellKey(zone, driverID)

	current, err := g.client.Get(ctx, pointerKey).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read driver cell: %w", err)
	}

	if current == string(newCell) {
		// Same cell, just refresh the advisory TTL.
		return g.client.Expire(ctx, pointerKey, pointerTTL).Err()
	}

	_, err = g.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if current != "" {
			oldSupply := cellSupplyKey(zone, Cell(current))
			pipe.SRem(ctx, cellDriversKey(zone, Cell(current)), driverID)
			pipe.HIncrBy(ctx, oldSupply, "total", -1)
			pipe.HIncrBy(ctx, oldSupply, tierField(tier), -1)
		}

		newKey := cellDriversKey(zone, newCell)
		pipe.SAdd(ctx, newKey, driverID)
		pipe.Expire(ctx, newKey, cellSetTTL)

		newSupply := cellSupplyKey(zone, newCell)
		pipe.HIncrBy(ctx, newSupply, "total", 1)
		pipe.HIncrBy(ctx, newSupply, tierField(tier), 1)
		pipe.Expire(ctx, newSupply, counterTTL)

		pipe.Set(ctx, pointerKey, string(newCell), pointerTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("move driver cell: %w", err)
	}
	return nil
}

func (g *RedisGrid) RemoveDriver(ctx context.Context, driverID, zone string, tier int) error {
	pointerKey := driverCellKey(zone, driverID)
	current, err := g.client.Get(ctx, pointerKey).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read driver cell: %w", err)
	}

	_, err = g.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		supplyKey := cellSupplyKey(zone, Cell(current))
		pipe.SRem(ctx, cellDriversKey(zone, Cell(current)), driverID)
		pipe.HIncrBy(ctx, supplyKey, "total", -1)
		pipe.HIncrBy(ctx, supplyKey, tierField(tier), -1)
		pipe.Del(ctx, pointerKey)
		return nil
	})
	return err
}

func (g *RedisGrid) CandidateDrivers(ctx context.Context, lat, lon float64, zone string, res, depth int) ([]string, error) {
	cells := Ring(CellAt(lat, lon, res), depth)

	cmds := make([]*redis.StringSliceCmd, len(cells))
	_, err := g.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, c := range cells {
			cmds[i] = pipe.SMembers(ctx, cellDriversKey(zone, c))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan cells: %w", err)
	}

	seen := make(map[string]struct{})
	var out []string
	for _, cmd := range cmds {
		for _, id := range cmd.Val() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}

func (g *RedisGrid) RecordDemand(ctx context.Context, lat, lon float64, zone string, tier, res int) error {
	cell := CellAt(lat, lon, res)
	key := cellDemandKey(zone, cell, demandWindow(time.Now()))

	_, err := g.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "total", 1)
		pipe.HIncrBy(ctx, key, tierField(tier), 1)
		pipe.Expire(ctx, key, counterTTL)
		return nil
	})
	return err
}

func (g *RedisGrid) SurgeMultiplier(ctx context.Context, lat, lon float64, zone string, res int, p SurgeParams) (float64, error) {
	if !p.Enabled {
		return 1.0, nil
	}
	cell := CellAt(lat, lon, res)

	supply, err := g.client.HGet(ctx, cellSupplyKey(zone, cell), "total").Int64()
	if err != nil && err != redis.Nil {
		return 1.0, err
	}
	demand, err := g.client.HGet(ctx, cellDemandKey(zone, cell, demandWindow(time.Now())), "total").Int64()
	if err != nil && err != redis.Nil {
		return 1.0, err
	}

	if supply < 1 {
		supply = 1
	}
	return p.multiplier(float64(demand) / float64(supply)), nil
}
