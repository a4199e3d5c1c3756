package namespace

import "testing"

func TestBuilderTopics(t *testing.T) {
	tests := []struct {
		name     string
		selector string
		got      func(b *Builder) string
		want     string
	}{
		{"mqtt reading", "", func(b *Builder) string { return b.MQTTReadingTopic("pdu1", "0/outlet3/power") }, "lab/pdu1/readings/0/outlet3/power"},
		{"mqtt reading sel", "east", func(b *Builder) string { return b.MQTTReadingTopic("pdu1", "0/input1/voltage") }, "lab/east/pdu1/readings/0/input1/voltage"},
		{"mqtt filter", "", func(b *Builder) string { return b.MQTTReadingFilter("pdu1") }, "lab/pdu1/readings/#"},
		{"mqtt health", "", func(b *Builder) string { return b.MQTTHealthTopic("pdu1") }, "lab/pdu1/health"},
		{"mqtt outlet", "east", func(b *Builder) string { return b.MQTTOutletTopic("pdu1") }, "lab/east/pdu1/outlet"},
		{"mqtt outlet response", "", func(b *Builder) string { return b.MQTTOutletResponseTopic("pdu1") }, "lab/pdu1/outlet/response"},
		{"mqtt base", "east", func(b *Builder) string { return b.MQTTBase() }, "lab/east"},
		{"valkey reading", "", func(b *Builder) string { return b.ValkeyReadingKey("pdu1", "0/outlet3/power") }, "lab:pdu1:readings:0/outlet3/power"},
		{"valkey health", "east", func(b *Builder) string { return b.ValkeyHealthKey("pdu1") }, "lab:east:pdu1:health"},
		{"valkey changes", "", func(b *Builder) string { return b.ValkeyChangesChannel("pdu1") }, "lab:pdu1:changes"},
		{"valkey all changes", "", func(b *Builder) string { return b.ValkeyAllChangesChannel() }, "lab:_all:changes"},
		{"valkey queue", "east", func(b *Builder) string { return b.ValkeyOutletQueue() }, "lab:east:outlets"},
		{"valkey responses", "", func(b *Builder) string { return b.ValkeyOutletResponseChannel() }, "lab:outlet:responses"},
		{"valkey factory", "east", func(b *Builder) string { return b.ValkeyFactory() }, "lab:east"},
		{"kafka readings", "", func(b *Builder) string { return b.KafkaReadingTopic() }, "lab"},
		{"kafka readings sel", "east", func(b *Builder) string { return b.KafkaReadingTopic() }, "lab-east"},
		{"kafka health", "", func(b *Builder) string { return b.KafkaHealthTopic() }, "lab.health"},
		{"kafka outlets", "east", func(b *Builder) string { return b.KafkaOutletTopic() }, "lab-east-outlets"},
		{"kafka responses", "", func(b *Builder) string { return b.KafkaOutletResponseTopic() }, "lab-outlet-responses"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.got(New("lab", tt.selector)); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKafkaReadingKey(t *testing.T) {
	if got := KafkaReadingKey("pdu1", "0/outlet3/power"); got != "pdu1/0/outlet3/power" {
		t.Errorf("KafkaReadingKey = %q", got)
	}
}
