package dynamo

import (
	"fmt"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/c360/backtrack/attribute"
)

// FromAttributeValue converts an SDK attribute value. Sets and binary values have no counterpart and
// are rejected.
func FromAttributeValue(av ddbtypes.AttributeValue) (attribute.Value, error) {
	switch v := av.(type) {
	case *ddbtypes.AttributeValueMemberS:
		return attribute.String(v.Value), nil
	case *ddbtypes.AttributeValueMemberN:
		return attribute.Number(v.Value), nil
	case *ddbtypes.AttributeValueMemberBOOL:
		return attribute.Bool(v.Value), nil
	case *ddbtypes.AttributeValueMemberNULL:
		return attribute.Null(), nil
	case *ddbtypes.AttributeValueMemberL:
		items := make([]attribute.Value, len(v.Value))
		for i, item := range v.Value {
			conv, err := FromAttributeValue(item)
			if err != nil {
				return attribute.Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = conv
		}
		return attribute.List(items...), nil
	case *ddbtypes.AttributeValueMemberM:
		m, err := FromItem(v.Value)
		if err != nil {
			return attribute.Value{}, err
		}
		return attribute.MapValue(m), nil
	default:
		return attribute.Value{}, fmt.Errorf("unsupported attribute value %T", av)
	}
}

// FromItem converts a whole item.
func FromItem(item map[string]ddbtypes.AttributeValue) (attribute.Map, error) {
	out := make(attribute.Map, len(item))
	for name, av := range item {
		v, err := FromAttributeValue(av)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// ToAttributeValue converts back to the SDK representation.
func ToAttributeValue(v attribute.Value) (ddbtypes.AttributeValue, error) {
	switch v.Kind() {
	case attribute.KindString:
		s, _ := v.AsString()
		return &ddbtypes.AttributeValueMemberS{Value: s}, nil
	case attribute.KindNumber:
		n, _ := v.AsNumber()
		return &ddbtypes.AttributeValueMemberN{Value: n}, nil
	case attribute.KindBool:
		b, _ := v.AsBool()
		return &ddbtypes.AttributeValueMemberBOOL{Value: b}, nil
	case attribute.KindNull:
		return &ddbtypes.AttributeValueMemberNULL{Value: true}, nil
	case attribute.KindList:
		items, _ := v.AsList()
		out := make([]ddbtypes.AttributeValue, len(items))
		for i, item := range items {
			conv, err := ToAttributeValue(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = conv
		}
		return &ddbtypes.AttributeValueMemberL{Value: out}, nil
	case attribute.KindMap:
		m, _ := v.AsMap()
		item, err := ToItem(m)
		if err != nil {
			return nil, err
		}
		return &ddbtypes.AttributeValueMemberM{Value: item}, nil
	default:
		return nil, fmt.Errorf("cannot convert %s value", v.Kind())
	}
}

// ToItem converts an attribute map to an SDK item.
func ToItem(m attribute.Map) (map[string]ddbtypes.AttributeValue, error) {
	out := make(map[string]ddbtypes.AttributeValue, len(m))
	for name, v := range m {
		av, err := ToAttributeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = av
	}
	return out, nil
}
