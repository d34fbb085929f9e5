package contract

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// DecodeLog returns the event arguments of log in ABI declaration order.
// Indexed arguments come from topics: addresses and value types decode to
// their Go value, dynamic types (string, bytes) to their keccak hash.
func DecodeLog(event abi.Event, log types.Log) ([]interface{}, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("missing topics")
	}
	if !event.Anonymous && log.Topics[0] != event.ID {
		return nil, fmt.Errorf("topic0 %s does not match %s", log.Topics[0].Hex(), event.Name)
	}

	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return nil, err
	}
	indexed := make(map[string]interface{})
	if err := abi.ParseTopicsIntoMap(indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return nil, fmt.Errorf("parse topics %s: %w", event.Name, err)
	}

	nonIndexed, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}

	values := make([]interface{}, 0, len(event.Inputs))
	next := 0
	for _, arg := range event.Inputs {
		if arg.Indexed {
			values = append(values, indexed[arg.Name])
			continue
		}
		if next >= len(nonIndexed) {
			return nil, fmt.Errorf("unpack %s: missing value for %s", event.Name, arg.Name)
		}
		values = append(values, nonIndexed[next])
		next++
	}
	return values, nil
}

// EventByTopic finds the ABI event whose ID matches topic0 of log.
func EventByTopic(contractABI abi.ABI, log types.Log) (abi.Event, bool) {
	if len(log.Topics) == 0 {
		return abi.Event{}, false
	}
	event, err := contractABI.EventByID(log.Topics[0])
	if err != nil {
		return abi.Event{}, false
	}
	return *event, true
}

func parseIndexedTopics(event abi.Event, topics []common.Hash) ([]common.Hash, error) {
	indexedCount := len(indexedArguments(event.Inputs))
	if len(topics) != indexedCount+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", indexedCount+1, len(topics))
	}
	return topics[1:], nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}
