package controller

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/core-tools/hsu-fixture/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestMemoryController_ReadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryController()
	seed := structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{structpb.NewStringValue("a")}})
	m.SetAttribute(5, ACLAttributePath, seed)

	value, err := m.ReadAttribute(ctx, 5, ACLAttributePath)
	require.NoError(t, err)
	value.GetListValue().Values = append(value.GetListValue().Values, structpb.NewStringValue("b"))

	assert.True(t, proto.Equal(seed, m.Attribute(5, ACLAttributePath)))
}

func TestMemoryController_MissingAttributeAndInjectedErrors(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryController()

	_, err := m.ReadAttribute(ctx, 9, ACLAttributePath)
	assert.True(t, errors.IsNotFoundError(err))

	m.WriteErrors[9] = stderrors.New("timeout")
	assert.EqualError(t, m.WriteAttribute(ctx, 9, ACLAttributePath, structpb.NewNullValue()), "timeout")
	assert.Nil(t, m.Attribute(9, ACLAttributePath))

	require.NoError(t, m.CommissionOnNetwork(ctx, 9, 20202021, 3840))
	assert.True(t, m.IsCommissioned(9))
	assert.Equal(t, 1, m.CallCount("commission", 9))
	assert.Equal(t, 3, len(m.Calls()))
}

func TestAttributePath_String(t *testing.T) {
	assert.Equal(t, "0/0x001F/0x0000", ACLAttributePath.String())
}
