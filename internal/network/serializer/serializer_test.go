package serializer

import (
	"testing"

	"github.com/stretchr/testify/suite"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type SerializerSuite struct {
	suite.Suite
}

func (s *SerializerSuite) TestJSONRoundTrip() {
	type msg struct {
		Op   uint32 `json:"op"`
		Body string `json:"body"`
	}

	data, err := JSONSerializer{}.Marshal(msg{Op: 7, Body: "hi"})
	s.Require().NoError(err)

	var out msg
	s.Require().NoError(JSONSerializer{}.Unmarshal(data, &out))
	s.EqualValues(7, out.Op)
	s.Equal("hi", out.Body)
}

func (s *SerializerSuite) TestProtoRoundTrip() {
	data, err := ProtoSerializer{}.Marshal(wrapperspb.String("hi"))
	s.Require().NoError(err)

	out := &wrapperspb.StringValue{}
	s.Require().NoError(ProtoSerializer{}.Unmarshal(data, out))
	s.Equal("hi", out.GetValue())
}

func (s *SerializerSuite) TestProtoRejectsNonMessage() {
	_, err := ProtoSerializer{}.Marshal("plain string")
	s.Error(err)
	s.Error(ProtoSerializer{}.Unmarshal([]byte{}, &struct{}{}))
}

func TestSerializer(t *testing.T) {
	suite.Run(t, new(SerializerSuite))
}
